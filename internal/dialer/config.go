package dialer

import (
	"net"
	"time"

	"github.com/die-net/sslocal/internal/sockopt"
)

type Config struct {
	// DialTimeout bounds the TCP connect to the relay or the proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the proxy handshake after connect.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	SockOpt            sockopt.Options
}
