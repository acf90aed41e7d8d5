package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"

	sslocalsocks5 "github.com/die-net/sslocal/internal/socks5"
	"github.com/die-net/sslocal/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)

			up := testutil.StartUpstream(t, ctx, func(c net.Conn) error {
				return testutil.HandleSOCKS5Connect(ctx, c, tt.user, tt.pass)
			})

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: time.Second}, up.Addr().String(), tt.user, tt.pass)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			_ = conn.Close()
			if err := up.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestSOCKS5ProxyDialerHostname(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	p := testutil.StartSOCKS5Proxy(t, ctx, "", "")
	f := NewSOCKS5ProxyDialer(Config{}, p.Addr().String(), "", "")

	conn, err := f.DialContext(ctx, "tcp", net.JoinHostPort("localhost", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("by name"))
	if p.Connects() != 1 {
		t.Fatalf("connects=%d", p.Connects())
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	lc := net.ListenConfig{}
	upLn, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	errc := make(chan error, 1)
	go func() {
		_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
		errc <- err
	}()

	// The proxy accepts but never answers; cancel must unblock the dial.
	c := <-accepted
	defer c.Close()
	cancel()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial did not return after cancel")
	}
}

func TestSOCKS5ProxyDialerNegotiationTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	up := testutil.StartUpstream(t, ctx, func(net.Conn) error {
		<-ctx.Done()
		return nil
	})

	f := NewSOCKS5ProxyDialer(Config{NegotiationTimeout: 50 * time.Millisecond}, up.Addr().String(), "", "")

	start := time.Now()
	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("negotiation timeout not applied")
	}

	cancel()
	if err := up.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	up := testutil.StartUpstream(t, ctx, func(c net.Conn) error {
		if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
			return err
		}
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
		req, err := socks5.NewRequestFrom(c)
		if err != nil {
			return err
		}
		if req.Cmd != socks5.CmdConnect {
			return fmt.Errorf("unexpected command %d", req.Cmd)
		}
		_, err = socks5.NewReply(socks5.RepConnectionRefused, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return err
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, up.Addr().String(), "", "")

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if !errors.Is(err, sslocalsocks5.ErrRequestRejected) {
		t.Fatalf("err=%v", err)
	}
	if err := up.Wait(); err != nil {
		t.Fatal(err)
	}
}
