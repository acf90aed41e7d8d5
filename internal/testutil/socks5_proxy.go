package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/txthinking/socks5"
	"go.uber.org/atomic"

	sslocalsocks5 "github.com/die-net/sslocal/internal/socks5"
)

// SOCKS5Proxy is a minimal upstream SOCKS5 server that supports CONNECT.
type SOCKS5Proxy struct {
	net.Listener
	connects atomic.Int32
}

// Connects returns how many CONNECT requests succeeded.
func (p *SOCKS5Proxy) Connects() int {
	return int(p.connects.Load())
}

// StartSOCKS5Proxy serves SOCKS5 CONNECT on a loopback port. A non-empty user
// requires username/password authentication.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, user, pass string) *SOCKS5Proxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	p := &SOCKS5Proxy{Listener: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = handleSOCKS5(ctx, c, user, pass, func() { p.connects.Inc() })
			}()
		}
	}()
	return p
}

// HandleSOCKS5Connect answers one SOCKS5 negotiation and CONNECT on c, then
// relays until either side closes.
func HandleSOCKS5Connect(ctx context.Context, c net.Conn, user, pass string) error {
	return handleSOCKS5(ctx, c, user, pass, nil)
}

func handleSOCKS5(ctx context.Context, c net.Conn, user, pass string, connected func()) error {
	if err := sslocalsocks5.ServerNegotiate(c, sslocalsocks5.Auth{Username: user, Password: pass}); err != nil {
		return err
	}

	cmd, dest, err := sslocalsocks5.ServerReadRequest(c)
	if err != nil {
		return err
	}
	if cmd != sslocalsocks5.CmdConnect {
		sslocalsocks5.WriteCommandNotSupportedReply(c, byte(dest.Kind))
		return io.ErrUnexpectedEOF
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return err
	}
	defer dst.Close()

	if err := sslocalsocks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}
	if connected != nil {
		connected()
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}
