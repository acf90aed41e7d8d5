package relay

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/dialer"
	"github.com/die-net/sslocal/internal/resolver"
)

const (
	defaultBufferSize    = 32 * 1024
	defaultSweepInterval = 10 * time.Second
)

type Config struct {
	// Endpoints supplies relay selection and idle timeouts.
	Endpoints *config.Configuration
	// Dialer opens the relay connection. Nil dials directly.
	Dialer dialer.Dialer
	// Resolver looks up relay hostnames when Dialer does not resolve them
	// remotely. Nil uses the system resolver.
	Resolver resolver.Resolver

	// NegotiationTimeout bounds the SOCKS5 handshake. Zero disables it.
	NegotiationTimeout time.Duration
	// SweepInterval is how often idle handlers are evicted between accepts.
	SweepInterval time.Duration
	KeepAlive     net.KeepAliveConfig
	BufferSize    int

	Logger   *zap.Logger
	Observer Observer

	resolveLocally bool
}

func (c Config) withDefaults() Config {
	if c.Endpoints == nil {
		c.Endpoints = &config.Configuration{}
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: c.KeepAlive})
	}
	c.resolveLocally = !dialer.ResolvesRemotely(c.Dialer)
	if c.Resolver == nil {
		c.Resolver = resolver.NewSystem()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	return c
}
