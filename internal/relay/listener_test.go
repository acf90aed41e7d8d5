package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/dialer"
	"github.com/die-net/sslocal/internal/testutil"
)

func startListener(t *testing.T, ctx context.Context, cfg Config) (*Listener, *errgroup.Group) {
	t.Helper()

	l := NewListener(ctx, cfg)
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	g.Go(l.Serve)
	t.Cleanup(func() {
		_ = l.Close()
		_ = g.Wait()
	})
	return l, &g
}

// negotiate connects a raw client and completes method selection so the
// listener is known to hold a handler for it.
func negotiate(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()

	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	write(t, c, []byte{0x05, 0x01, 0x00})
	expect(t, c, []byte{0x05, 0x00})
	return c
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection still open")
	}
}

func TestListenerEndToEnd(t *testing.T) {
	tests := []struct {
		name   string
		method string
		proxy  string
	}{
		{name: "direct_stream", method: "aes-256-cfb"},
		{name: "direct_aead", method: "aes-256-gcm"},
		{name: "socks5_proxy", method: "chacha20-ietf-poly1305", proxy: "socks5"},
		{name: "http_proxy", method: "aes-128-gcm", proxy: "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			endpoints, peer := startRelay(t, ctx, tt.method)

			var (
				chained  config.ChainedProxy
				connects func() int
			)
			switch tt.proxy {
			case "socks5":
				p := testutil.StartSOCKS5Proxy(t, ctx, "", "")
				chained = config.ChainedProxy{Enabled: true, Kind: config.ProxySOCKS5, Host: "127.0.0.1", Port: uint16(p.Addr().(*net.TCPAddr).Port)}
				connects = p.Connects
			case "http":
				p := testutil.StartHTTPConnectProxy(t, ctx)
				chained = config.ChainedProxy{Enabled: true, Kind: config.ProxyHTTP, Host: "127.0.0.1", Port: uint16(p.Addr().(*net.TCPAddr).Port)}
				connects = p.Connects
			}

			d, err := dialer.New(dialer.Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, chained)
			if err != nil {
				t.Fatal(err)
			}

			var stats Stats
			l, _ := startListener(t, ctx, Config{Endpoints: endpoints, Dialer: d, Observer: &stats})

			client, err := socks5.NewClient(l.Addr().String(), "", "", 2, 0)
			if err != nil {
				t.Fatal(err)
			}
			c, err := client.Dial("tcp", "example.com:443")
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, c, c, []byte("hello through the relay"))

			if got := peer.Destinations(); len(got) != 1 || got[0].String() != "example.com:443" {
				t.Fatalf("relay saw %v", got)
			}
			if connects != nil && connects() != 1 {
				t.Fatalf("proxy connects=%d", connects())
			}

			_ = c.Close()
			waitFor(t, func() bool { return stats.Snapshot().Finished == 1 })

			s := stats.Snapshot()
			if s.Accepted != 1 || s.Active != 0 || s.Failed != 0 {
				t.Fatalf("stats=%+v", s)
			}
			if s.BytesRead == 0 || s.BytesWritten == 0 {
				t.Fatalf("stats=%+v", s)
			}
			waitFor(t, func() bool { return l.Len() == 0 })
		})
	}
}

func TestListenerCloseClosesHandlers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	l, g := startListener(t, ctx, Config{})

	var clients []net.Conn
	for range 3 {
		clients = append(clients, negotiate(t, ctx, l.Addr().String()))
	}
	waitFor(t, func() bool { return l.Len() == 3 })

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	for _, c := range clients {
		expectClosed(t, c)
	}
	waitFor(t, func() bool { return l.Len() == 0 })

	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestListenerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, g := startListener(t, ctx, Config{})
	c := negotiate(t, ctx, l.Addr().String())

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	expectClosed(t, c)
}

func TestListenerSweepOnAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rec := newRecorder()
	l, _ := startListener(t, ctx, Config{
		Endpoints:     &config.Configuration{TimeoutFloor: 100 * time.Millisecond},
		SweepInterval: time.Hour,
		Observer:      rec,
	})

	idle := negotiate(t, ctx, l.Addr().String())
	waitFor(t, func() bool { return l.Len() == 1 })
	time.Sleep(200 * time.Millisecond)

	negotiate(t, ctx, l.Addr().String())
	expectClosed(t, idle)

	if r := rec.result(t); r != ResultIdleTimeout {
		t.Fatalf("result=%v", r)
	}
	waitFor(t, func() bool { return l.Len() == 1 })
}

func TestListenerSweepInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rec := newRecorder()
	l, _ := startListener(t, ctx, Config{
		Endpoints:     &config.Configuration{TimeoutFloor: 50 * time.Millisecond},
		SweepInterval: 20 * time.Millisecond,
		Observer:      rec,
	})

	c := negotiate(t, ctx, l.Addr().String())
	expectClosed(t, c)

	if r := rec.result(t); r != ResultIdleTimeout {
		t.Fatalf("result=%v", r)
	}
	waitFor(t, func() bool { return l.Len() == 0 })
}

func TestListenerSweep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	l, _ := startListener(t, ctx, Config{
		Endpoints:     &config.Configuration{TimeoutFloor: time.Minute},
		SweepInterval: time.Hour,
	})
	c := negotiate(t, ctx, l.Addr().String())
	waitFor(t, func() bool { return l.Len() == 1 })

	if n := l.Sweep(time.Now()); n != 0 {
		t.Fatalf("evicted %d fresh handlers", n)
	}
	if n := l.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	expectClosed(t, c)
	if hs := l.Handlers(); len(hs) != 0 {
		t.Fatalf("%d handlers left", len(hs))
	}
}

func TestListenerListen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := NewListener(ctx, Config{})
	if l.Addr() != nil {
		t.Fatal("unbound listener has an address")
	}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen("127.0.0.1:0"); !errors.Is(err, ErrListening) {
		t.Fatalf("second listen: %v", err)
	}

	other := NewListener(ctx, Config{})
	if err := other.Listen(l.Addr().String()); err == nil {
		t.Fatal("expected bind failure on a used port")
	}

	_ = l.Close()
	if err := l.Listen("127.0.0.1:0"); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("listen after close: %v", err)
	}
	if err := l.Serve(); err != nil {
		t.Fatalf("serve after close: %v", err)
	}
}
