package testutil

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/die-net/sslocal/internal/cipher"
	"github.com/die-net/sslocal/internal/socks5"
)

// RelayPeer is an in-process relay server speaking the encrypted protocol:
// it decrypts the leading destination address, connects to it, and relays
// in both directions.
type RelayPeer struct {
	net.Listener

	method, password string
	dial             func(ctx context.Context, dest socks5.Address) (net.Conn, error)

	mu    sync.Mutex
	dests []socks5.Address
}

// StartRelayPeer serves the relay protocol on a loopback port. A nil dial
// connects to each requested destination directly.
func StartRelayPeer(t *testing.T, ctx context.Context, method, password string, dial func(ctx context.Context, dest socks5.Address) (net.Conn, error)) *RelayPeer {
	t.Helper()

	if dial == nil {
		dial = func(ctx context.Context, dest socks5.Address) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", dest.String())
		}
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	p := &RelayPeer{Listener: ln, method: method, password: password, dial: dial}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = p.serve(ctx, c)
			}()
		}
	}()
	return p
}

// Port returns the listening port.
func (p *RelayPeer) Port() uint16 {
	return uint16(p.Addr().(*net.TCPAddr).Port)
}

// Destinations returns the destinations requested so far, in arrival order.
func (p *RelayPeer) Destinations() []socks5.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]socks5.Address(nil), p.dests...)
}

func (p *RelayPeer) serve(ctx context.Context, c net.Conn) error {
	enc, err := cipher.New(p.method, p.password)
	if err != nil {
		return err
	}

	var (
		plain []byte
		buf   = make([]byte, 32*1024)
		dest  socks5.Address
	)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			out, derr := enc.Decrypt(buf[:n])
			if derr != nil {
				return derr
			}
			plain = append(plain, out...)
		}
		l, lerr := socks5.AddressLen(plain)
		if lerr != nil && !errors.Is(lerr, io.ErrShortBuffer) {
			return lerr
		}
		if lerr == nil && len(plain) >= l {
			if dest, _, err = socks5.Decode(plain[:l]); err != nil {
				return err
			}
			plain = plain[l:]
			break
		}
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.dests = append(p.dests, dest)
	p.mu.Unlock()

	up, err := p.dial(ctx, dest)
	if err != nil {
		return err
	}
	defer up.Close()

	if len(plain) > 0 {
		if _, err := up.Write(plain); err != nil {
			return err
		}
	}

	go func() {
		defer c.Close()
		b := make([]byte, 32*1024)
		for {
			n, err := up.Read(b)
			if n > 0 {
				out, eerr := enc.Encrypt(b[:n])
				if eerr != nil {
					return
				}
				if _, werr := c.Write(out); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		n, err := c.Read(buf)
		if n > 0 {
			out, derr := enc.Decrypt(buf[:n])
			if derr != nil {
				return derr
			}
			if _, werr := up.Write(out); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
