package relay

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/socks5"
)

// Observer receives lifecycle signals from handlers. Calls for one handler
// are made from that handler's goroutine, except Finished, which is made by
// whichever goroutine terminates it. Implementations must be safe for
// concurrent use across handlers.
type Observer interface {
	Accepted(h *Handler)
	Connecting(h *Handler, dest socks5.Address, ep config.ServerEndpoint)
	Connected(h *Handler, latency time.Duration)
	// BytesRead reports encrypted bytes received from the relay.
	BytesRead(h *Handler, n int)
	// BytesWritten reports encrypted bytes sent to the relay.
	BytesWritten(h *Handler, n int)
	Finished(h *Handler, r Result, err error)
}

// NopObserver ignores every signal.
type NopObserver struct{}

func (NopObserver) Accepted(*Handler) {}
func (NopObserver) Connecting(*Handler, socks5.Address, config.ServerEndpoint) {}
func (NopObserver) Connected(*Handler, time.Duration) {}
func (NopObserver) BytesRead(*Handler, int) {}
func (NopObserver) BytesWritten(*Handler, int) {}
func (NopObserver) Finished(*Handler, Result, error) {}

// Observers fans each signal out to every member in order.
type Observers []Observer

func (o Observers) Accepted(h *Handler) {
	for _, x := range o {
		x.Accepted(h)
	}
}

func (o Observers) Connecting(h *Handler, dest socks5.Address, ep config.ServerEndpoint) {
	for _, x := range o {
		x.Connecting(h, dest, ep)
	}
}

func (o Observers) Connected(h *Handler, latency time.Duration) {
	for _, x := range o {
		x.Connected(h, latency)
	}
}

func (o Observers) BytesRead(h *Handler, n int) {
	for _, x := range o {
		x.BytesRead(h, n)
	}
}

func (o Observers) BytesWritten(h *Handler, n int) {
	for _, x := range o {
		x.BytesWritten(h, n)
	}
}

func (o Observers) Finished(h *Handler, r Result, err error) {
	for _, x := range o {
		x.Finished(h, r, err)
	}
}

// LogObserver writes each signal to the handler's logger. Failures other
// than an orderly close are logged at warn when Verbose is set.
type LogObserver struct {
	Verbose bool
}

func (LogObserver) Accepted(h *Handler) {
	h.Logger().Debug("accepted")
}

func (LogObserver) Connecting(h *Handler, dest socks5.Address, ep config.ServerEndpoint) {
	h.Logger().Debug("connecting", zap.Stringer("dest", dest), zap.Stringer("server", ep))
}

func (LogObserver) Connected(h *Handler, latency time.Duration) {
	h.Logger().Debug("connected", zap.Duration("latency", latency))
}

func (LogObserver) BytesRead(h *Handler, n int) {
	if ce := h.Logger().Check(zap.DebugLevel, "read"); ce != nil {
		ce.Write(zap.Int("n", n), zap.Uint64("total", h.BytesRead()))
	}
}

func (LogObserver) BytesWritten(h *Handler, n int) {
	if ce := h.Logger().Check(zap.DebugLevel, "write"); ce != nil {
		ce.Write(zap.Int("n", n), zap.Uint64("total", h.BytesWritten()))
	}
}

func (o LogObserver) Finished(h *Handler, r Result, err error) {
	fields := []zap.Field{
		zap.Stringer("result", r),
		zap.Uint64("read", h.BytesRead()),
		zap.Uint64("written", h.BytesWritten()),
	}
	if err != nil && !r.Orderly() {
		fields = append(fields, zap.Error(err))
		if o.Verbose {
			h.Logger().Warn("connection failed", fields...)
			return
		}
	}
	h.Logger().Debug("finished", fields...)
}

// Stats aggregates signals across every handler.
type Stats struct {
	accepted     atomic.Uint64
	active       atomic.Int64
	finished     atomic.Uint64
	failed       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	lastLatency  atomic.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Accepted     uint64
	Active       int64
	Finished     uint64
	Failed       uint64
	BytesRead    uint64
	BytesWritten uint64
	LastLatency  time.Duration
}

func (s *Stats) Accepted(*Handler) {
	s.accepted.Inc()
	s.active.Inc()
}

func (s *Stats) Connecting(*Handler, socks5.Address, config.ServerEndpoint) {}

func (s *Stats) Connected(_ *Handler, latency time.Duration) {
	s.lastLatency.Store(latency)
}

func (s *Stats) BytesRead(_ *Handler, n int) {
	s.bytesRead.Add(uint64(n))
}

func (s *Stats) BytesWritten(_ *Handler, n int) {
	s.bytesWritten.Add(uint64(n))
}

func (s *Stats) Finished(_ *Handler, r Result, _ error) {
	s.active.Dec()
	s.finished.Inc()
	if !r.Orderly() {
		s.failed.Inc()
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:     s.accepted.Load(),
		Active:       s.active.Load(),
		Finished:     s.finished.Load(),
		Failed:       s.failed.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		LastLatency:  s.lastLatency.Load(),
	}
}
