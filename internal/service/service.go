// Package service is the process-level listener. It binds the SOCKS5 relay
// listener and, when asked, a UDP socket on the same local port, and owns
// their lifetime.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/relay"
)

var (
	// ErrStarted is returned by Start on a service that was already started.
	ErrStarted = errors.New("service already started")
	// ErrNotStarted is returned by Serve before Start.
	ErrNotStarted = errors.New("service not started")
)

type Config struct {
	relay.Config

	// ListenAddr overrides the address derived from Endpoints.
	ListenAddr string
	// UDP also binds a UDP socket on the relay port. Datagrams are read and
	// dropped.
	UDP bool
	// Verbose logs failed connections at warn instead of debug.
	Verbose bool
}

type Service struct {
	ctx   context.Context
	cfg   Config
	log   *zap.Logger
	stats relay.Stats

	mu      sync.Mutex
	relay   *relay.Listener
	udp     net.PacketConn
	started bool
	stopped bool
}

func New(ctx context.Context, cfg Config) *Service {
	if cfg.Endpoints == nil {
		cfg.Endpoints = &config.Configuration{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{ctx: ctx, cfg: cfg, log: cfg.Logger}

	observers := relay.Observers{&s.stats, relay.LogObserver{Verbose: cfg.Verbose}}
	if cfg.Observer != nil {
		observers = append(observers, cfg.Observer)
	}
	s.cfg.Observer = observers
	return s
}

func (s *Service) listenAddr() string {
	if s.cfg.ListenAddr != "" {
		return s.cfg.ListenAddr
	}
	return s.cfg.Endpoints.ListenAddr()
}

// Start binds the relay listener and, if configured, the UDP socket. A bind
// failure is returned as is and leaves nothing open. A stopped Service
// cannot be restarted.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return net.ErrClosed
	}
	if s.started {
		return ErrStarted
	}

	l := relay.NewListener(s.ctx, s.cfg.Config)
	if err := l.Listen(s.listenAddr()); err != nil {
		return err
	}

	if s.cfg.UDP {
		host, _, err := net.SplitHostPort(s.listenAddr())
		if err != nil {
			_ = l.Close()
			return err
		}
		port := l.Addr().(*net.TCPAddr).Port
		lc := net.ListenConfig{}
		pc, err := lc.ListenPacket(s.ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			_ = l.Close()
			return fmt.Errorf("udp listen: %w", err)
		}
		s.udp = pc
	}

	s.relay = l
	s.started = true
	s.log.Info("socks5 relay listening", zap.Stringer("addr", l.Addr()))
	if s.udp != nil {
		s.log.Info("udp socket bound", zap.Stringer("addr", s.udp.LocalAddr()))
	}
	return nil
}

// Serve runs until Stop or until the context passed to New is done. It
// returns nil on an orderly stop.
func (s *Service) Serve() error {
	s.mu.Lock()
	l, pc := s.relay, s.udp
	s.mu.Unlock()
	if l == nil {
		return ErrNotStarted
	}

	g, ctx := errgroup.WithContext(s.ctx)
	context.AfterFunc(ctx, func() { _ = s.Stop() })

	g.Go(func() error {
		if err := l.Serve(); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})
	if pc != nil {
		g.Go(func() error {
			s.drain(pc)
			return nil
		})
	}
	return g.Wait()
}

// drain discards datagrams until pc is closed.
func (s *Service) drain(pc net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if ce := s.log.Check(zap.DebugLevel, "udp datagram dropped"); ce != nil {
			ce.Write(zap.Int("n", n), zap.Stringer("from", addr))
		}
	}
}

// Stop closes the listeners and every live connection. It is idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	l, pc := s.relay, s.udp
	s.mu.Unlock()

	var errs []error
	if l != nil {
		errs = append(errs, l.Close())
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}

// Addr returns the relay listener address, or nil before Start.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay == nil {
		return nil
	}
	return s.relay.Addr()
}

// UDPAddr returns the UDP socket address, or nil when none is bound.
func (s *Service) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Connections returns the number of live relay connections.
func (s *Service) Connections() int {
	s.mu.Lock()
	l := s.relay
	s.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.Len()
}

// Stats returns the aggregate counters across all connections so far.
func (s *Service) Stats() relay.StatsSnapshot {
	return s.stats.Snapshot()
}
