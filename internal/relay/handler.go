package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/die-net/sslocal/internal/cipher"
	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/socks5"
)

const udpAssociate = socks5.CmdUDPAssociate

var errNegotiationTimeout = errors.New("socks5 negotiation timed out")

type eventKind int

const (
	evLocalData eventKind = iota
	evLocalErr
	evRemoteData
	evRemoteErr
	evDialed
)

// event is delivered to the handler loop by its reader and dial goroutines.
// buf is a pooled read buffer owned by the loop once received.
type event struct {
	kind    eventKind
	buf     []byte
	n       int
	err     error
	conn    net.Conn
	latency time.Duration
}

// Handler relays one client connection. A single loop goroutine (Serve)
// owns the state machine; reader goroutines for each socket and the dial
// goroutine feed it events, and any goroutine may terminate it.
type Handler struct {
	id       uint64
	cfg      *Config
	pool     httputil.BufferPool
	log      *zap.Logger
	client   net.Conn
	onFinish func(*Handler)

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
	once   sync.Once

	state        atomic.Int32
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	lastActive   atomic.Int64
	timeout      atomic.Duration

	mu         sync.Mutex
	remote     net.Conn
	dest       socks5.Address
	ep         config.ServerEndpoint
	err        error
	terminated bool

	// Owned by the loop goroutine.
	inbuf   []byte
	pending []byte
	enc     cipher.Encryptor
}

// NewHandler returns a standalone handler for client. Call Serve to run it.
func NewHandler(ctx context.Context, cfg Config, client net.Conn) *Handler {
	c := cfg.withDefaults()
	return newHandler(ctx, &c, NewBufferPool(c.BufferSize), 0, client, nil)
}

func newHandler(ctx context.Context, cfg *Config, pool httputil.BufferPool, id uint64, client net.Conn, onFinish func(*Handler)) *Handler {
	h := &Handler{
		id:       id,
		cfg:      cfg,
		pool:     pool,
		client:   client,
		onFinish: onFinish,
		events:   make(chan event),
		done:     make(chan struct{}),
	}
	h.log = cfg.Logger.With(zap.Uint64("conn", id), zap.Stringer("client", client.RemoteAddr()))
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.touch()
	h.timeout.Store(cfg.Endpoints.IdleTimeout(config.ServerEndpoint{}))
	return h
}

func (h *Handler) ID() uint64 { return h.id }

func (h *Handler) Logger() *zap.Logger { return h.log }

func (h *Handler) State() State { return State(h.state.Load()) }

// BytesRead returns the encrypted bytes received from the relay.
func (h *Handler) BytesRead() uint64 { return h.bytesRead.Load() }

// BytesWritten returns the encrypted bytes sent to the relay.
func (h *Handler) BytesWritten() uint64 { return h.bytesWritten.Load() }

// Timeout returns the idle timeout in force: the selected relay's, clamped
// to the floor, or the floor alone before a relay is selected.
func (h *Handler) Timeout() time.Duration { return h.timeout.Load() }

// Done is closed when the handler terminates.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Destination returns the CONNECT target and whether it is known yet.
func (h *Handler) Destination() (socks5.Address, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dest, h.dest.Kind != 0
}

// Endpoint returns the relay selected for this connection, if any.
func (h *Handler) Endpoint() config.ServerEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ep
}

// Err returns the termination cause, or nil while the handler is live.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// IdleFor returns how long both sockets have gone without a successful read.
func (h *Handler) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastActive.Load()))
}

// Expired reports whether the handler has been idle longer than its timeout.
func (h *Handler) Expired(now time.Time) bool {
	return h.IdleFor(now) > h.Timeout()
}

// Close terminates the handler. It is safe to call from any goroutine and
// more than once; only the first call has any effect.
func (h *Handler) Close() {
	h.terminate(ErrClosed)
}

// Evict terminates the handler for being idle.
func (h *Handler) Evict() {
	h.terminate(ErrIdleTimeout)
}

// Serve runs the state machine until the handler terminates.
func (h *Handler) Serve() {
	stop := context.AfterFunc(h.ctx, h.Close)
	defer stop()

	go h.readLoop(h.client, evLocalData, evLocalErr)

	var negotiation <-chan time.Time
	if h.cfg.NegotiationTimeout > 0 {
		t := time.NewTimer(h.cfg.NegotiationTimeout)
		defer t.Stop()
		negotiation = t.C
	}

	for {
		select {
		case <-h.done:
			return
		case <-negotiation:
			if h.State() < StateConnecting {
				// A partial record that never completes is a short record.
				if len(h.inbuf) > 0 {
					h.terminate(&ProtocolLengthError{State: h.State(), Got: len(h.inbuf)})
				} else {
					h.terminate(&TimeoutError{Side: Local, Err: errNegotiationTimeout})
				}
				return
			}
			negotiation = nil
		case ev := <-h.events:
			err := h.handle(ev)
			if ev.buf != nil {
				h.pool.Put(ev.buf)
			}
			if err != nil {
				h.terminate(err)
				return
			}
			if h.State() >= StateConnecting {
				negotiation = nil
			}
		}
	}
}

func (h *Handler) handle(ev event) error {
	if h.isTerminated() {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return nil
	}

	switch ev.kind {
	case evLocalData:
		return h.onLocal(ev.buf[:ev.n])
	case evLocalErr:
		if errors.Is(ev.err, io.EOF) && len(h.inbuf) > 0 && h.State() < StateConnecting {
			return &ProtocolLengthError{State: h.State(), Got: len(h.inbuf)}
		}
		return sideError(Local, ev.err)
	case evRemoteData:
		return h.onRemote(ev.buf[:ev.n])
	case evRemoteErr:
		return sideError(Remote, ev.err)
	case evDialed:
		return h.onDialed(ev)
	default:
		return nil
	}
}

func (h *Handler) onLocal(p []byte) error {
	switch h.State() {
	case StateInit, StateAddressWait:
		h.inbuf = append(h.inbuf, p...)
		return h.handshake()
	case StateConnecting:
		h.pending = append(h.pending, p...)
		return nil
	case StateStreaming:
		h.pending = append(h.pending, p...)
		return h.flush()
	default:
		return nil
	}
}

// handshake consumes every complete record in inbuf. Records may arrive
// split across reads or several in one read.
func (h *Handler) handshake() error {
	for {
		switch h.State() {
		case StateInit:
			if len(h.inbuf) < 2 {
				return nil
			}
			if v := h.inbuf[0]; v != socks5.Version {
				_ = socks5.WriteReject(h.client)
				return &UnsupportedVersionError{Version: v}
			}
			n := 2 + int(h.inbuf[1])
			if len(h.inbuf) < n {
				return nil
			}
			h.inbuf = h.inbuf[n:]
			if err := socks5.WriteAccept(h.client); err != nil {
				return sideError(Local, err)
			}
			h.setState(StateAddressWait)
		case StateAddressWait:
			if len(h.inbuf) < 5 {
				return nil
			}
			return h.request()
		default:
			return nil
		}
	}
}

// request handles [version, command, reserved, address...] once at least 5
// bytes are buffered. It returns nil without changing state while the
// address is still incomplete.
func (h *Handler) request() error {
	b := h.inbuf
	if b[0] != socks5.Version {
		return &UnsupportedVersionError{Version: b[0]}
	}
	if cmd := b[1]; cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(h.client, b[3])
		return &UnsupportedCommandError{Command: cmd}
	}

	n, err := socks5.AddressLen(b[3:])
	if errors.Is(err, io.ErrShortBuffer) {
		return nil
	}
	if err != nil {
		return &AddressParseError{Err: err}
	}
	if len(b) < 3+n {
		return nil
	}
	dest, _, err := socks5.Decode(b[3 : 3+n])
	if err != nil {
		return &AddressParseError{Err: err}
	}
	rest := b[3+n:]
	h.inbuf = nil

	if err := socks5.WriteConnectReply(h.client); err != nil {
		return sideError(Local, err)
	}
	return h.connect(dest, rest)
}

// connect selects a relay and starts dialing it. The re-encoded destination
// leads the pending buffer so it becomes the first encrypted record.
func (h *Handler) connect(dest socks5.Address, rest []byte) error {
	ep := h.cfg.Endpoints.SelectEndpoint(dest)

	h.mu.Lock()
	h.dest = dest
	h.ep = ep
	h.mu.Unlock()

	if ep.IsZero() {
		return ErrNoEndpoint
	}
	h.timeout.Store(h.cfg.Endpoints.IdleTimeout(ep))

	enc, err := cipher.New(ep.Method, ep.Password)
	if err != nil {
		return &TransportError{Side: Remote, Err: err}
	}
	h.enc = enc

	header, err := dest.Encode()
	if err != nil {
		return &AddressParseError{Err: err}
	}
	h.pending = append(header, rest...)

	h.setState(StateConnecting)
	h.cfg.Observer.Connecting(h, dest, ep)

	go h.dial(ep)
	return nil
}

func (h *Handler) dial(ep config.ServerEndpoint) {
	start := time.Now()
	conn, err := h.dialEndpoint(h.ctx, ep)
	ev := event{kind: evDialed, conn: conn, err: err, latency: time.Since(start)}
	if !h.post(ev) && conn != nil {
		_ = conn.Close()
	}
}

// dialEndpoint resolves ep locally unless the dialer hands hostnames to a
// proxy, then tries each address in order.
func (h *Handler) dialEndpoint(ctx context.Context, ep config.ServerEndpoint) (net.Conn, error) {
	targets := []string{ep.Addr()}
	if h.cfg.resolveLocally {
		ips, err := h.cfg.Resolver.LookupIP(ctx, ep.Host)
		if err != nil {
			return nil, err
		}
		targets = ep.Address().WithResolved(ips).DialTargets()
	}

	var lastErr error
	for _, t := range targets {
		c, err := h.cfg.Dialer.DialContext(ctx, "tcp", t)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (h *Handler) onDialed(ev event) error {
	if ev.err != nil {
		if !errors.Is(ev.err, context.Canceled) {
			h.cfg.Endpoints.RecordFailure(h.Endpoint())
		}
		var ne net.Error
		if errors.Is(ev.err, context.DeadlineExceeded) || (errors.As(ev.err, &ne) && ne.Timeout()) {
			return &TimeoutError{Side: Remote, Err: ev.err}
		}
		return &TransportError{Side: Remote, Err: ev.err}
	}
	if !h.setRemote(ev.conn) {
		return nil
	}

	h.cfg.Endpoints.RecordLatency(h.Endpoint(), ev.latency)
	h.setState(StateStreaming)
	h.cfg.Observer.Connected(h, ev.latency)

	go h.readLoop(ev.conn, evRemoteData, evRemoteErr)
	return h.flush()
}

// flush encrypts and sends everything pending.
func (h *Handler) flush() error {
	if len(h.pending) == 0 {
		return nil
	}
	out, err := h.enc.Encrypt(h.pending)
	h.pending = h.pending[:0]
	if err != nil {
		return &TransportError{Side: Remote, Err: err}
	}
	if _, err := h.remote.Write(out); err != nil {
		return sideError(Remote, err)
	}
	h.bytesWritten.Add(uint64(len(out)))
	h.cfg.Observer.BytesWritten(h, len(out))
	return nil
}

func (h *Handler) onRemote(p []byte) error {
	h.bytesRead.Add(uint64(len(p)))
	h.cfg.Observer.BytesRead(h, len(p))

	out, err := h.enc.Decrypt(p)
	if err != nil {
		return &TransportError{Side: Remote, Err: err}
	}
	if len(out) == 0 {
		return nil
	}
	if _, err := h.client.Write(out); err != nil {
		return sideError(Local, err)
	}
	return nil
}

func (h *Handler) readLoop(c net.Conn, data, fail eventKind) {
	for {
		buf := h.pool.Get()
		n, err := c.Read(buf)
		if n > 0 {
			h.touch()
			if !h.post(event{kind: data, buf: buf, n: n}) {
				h.pool.Put(buf)
				return
			}
		} else {
			h.pool.Put(buf)
		}
		if err != nil {
			h.post(event{kind: fail, err: err})
			return
		}
	}
}

func (h *Handler) post(ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Handler) touch() {
	h.lastActive.Store(time.Now().UnixNano())
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
}

func (h *Handler) setRemote(c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		_ = c.Close()
		return false
	}
	h.remote = c
	return true
}

func (h *Handler) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// terminate closes both sockets and reports the result exactly once.
func (h *Handler) terminate(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.terminated = true
		h.err = cause
		remote := h.remote
		h.mu.Unlock()

		h.setState(StateTerminated)
		close(h.done)
		h.cancel()
		_ = h.client.Close()
		if remote != nil {
			_ = remote.Close()
		}

		if h.onFinish != nil {
			h.onFinish(h)
		}
		h.cfg.Observer.Finished(h, ResultOf(cause), cause)
	})
}
