package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrListening is returned by Listen on a listener that is already bound.
var ErrListening = errors.New("relay listener already bound")

// Listener accepts SOCKS5 clients and runs a Handler for each. It keeps the
// set of live handlers and evicts idle ones on every accept and on a fixed
// interval.
type Listener struct {
	ctx  context.Context
	cfg  Config
	log  *zap.Logger
	pool httputil.BufferPool

	nextID atomic.Uint64

	mu     sync.Mutex
	ln     net.Listener
	live   map[*Handler]struct{}
	closed bool
	done   chan struct{}
}

func NewListener(ctx context.Context, cfg Config) *Listener {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	return &Listener{
		ctx:  ctx,
		cfg:  cfg,
		log:  cfg.Logger,
		pool: NewBufferPool(cfg.BufferSize),
		live: make(map[*Handler]struct{}),
		done: make(chan struct{}),
	}
}

// Listen binds addr. A listener binds at most once; bind failures are
// returned to the caller and not retried.
func (l *Listener) Listen(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return net.ErrClosed
	}
	if l.ln != nil {
		return ErrListening
	}
	ln, err := ListenTCP(l.ctx, "tcp", addr, l.cfg.KeepAlive)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts on the address bound by Listen until Close.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("relay listener not bound")
	}
	return l.ServeListener(ln)
}

// ServeListener accepts on ln until it fails or the listener is closed. It
// returns nil after Close.
func (l *Listener) ServeListener(ln net.Listener) error {
	l.mu.Lock()
	if l.ln == nil {
		l.ln = ln
	}
	closed := l.closed
	l.mu.Unlock()
	if closed {
		_ = ln.Close()
		return nil
	}

	stop := context.AfterFunc(l.ctx, func() { _ = l.Close() })
	defer stop()

	go l.sweepLoop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.accept(c)
	}
}

func (l *Listener) accept(c net.Conn) {
	h := newHandler(l.ctx, &l.cfg, l.pool, l.nextID.Inc(), c, l.remove)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = c.Close()
		return
	}
	l.live[h] = struct{}{}
	l.mu.Unlock()

	l.cfg.Observer.Accepted(h)
	l.Sweep(time.Now())

	go h.Serve()
}

func (l *Listener) remove(h *Handler) {
	l.mu.Lock()
	delete(l.live, h)
	l.mu.Unlock()
}

// Len returns the number of live handlers.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Handlers returns a snapshot of the live handlers.
func (l *Listener) Handlers() []*Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Handler, 0, len(l.live))
	for h := range l.live {
		out = append(out, h)
	}
	return out
}

// Sweep evicts every handler idle longer than its timeout as of now and
// returns how many it evicted.
func (l *Listener) Sweep(now time.Time) int {
	var expired []*Handler
	l.mu.Lock()
	for h := range l.live {
		if h.Expired(now) {
			expired = append(expired, h)
		}
	}
	l.mu.Unlock()

	// Eviction calls back into remove, so it runs without the lock held.
	for _, h := range expired {
		h.Evict()
	}
	return len(expired)
}

func (l *Listener) sweepLoop() {
	t := time.NewTicker(l.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-t.C:
			if n := l.Sweep(now); n > 0 {
				l.log.Debug("evicted idle connections", zap.Int("count", n))
			}
		}
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting and force-closes every live handler. It does not
// wait for in-flight I/O.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	ln := l.ln
	handlers := make([]*Handler, 0, len(l.live))
	for h := range l.live {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, h := range handlers {
		h.Close()
	}
	return err
}
