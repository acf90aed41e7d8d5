package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/sslocal/internal/config"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound Dialer for proxy: direct when it is disabled,
// otherwise HTTP CONNECT or SOCKS5 through it.
func New(cfg Config, proxy config.ChainedProxy) (Dialer, error) {
	if !proxy.Enabled {
		return NewDirectDialer(cfg), nil
	}

	switch proxy.Kind {
	case config.ProxyHTTP:
		return NewHTTPProxyDialer(cfg, proxy.Addr(), "", ""), nil
	case config.ProxySOCKS5:
		return NewSOCKS5ProxyDialer(cfg, proxy.Addr(), "", ""), nil
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", proxy.Kind)
	}
}

// ResolvesRemotely reports whether d hands hostnames to a proxy, in which
// case the caller should not resolve them itself.
func ResolvesRemotely(d Dialer) bool {
	switch d.(type) {
	case *HTTPProxyDialer, *SOCKS5ProxyDialer:
		return true
	default:
		return false
	}
}
