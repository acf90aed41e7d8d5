package testutil

import (
	"context"
	"net"
	"testing"
)

// Upstream stands in for a chained proxy that serves exactly one connection
// with a scripted exchange.
type Upstream struct {
	net.Listener

	done chan struct{}
	err  error
}

// StartUpstream accepts one connection on a loopback port and hands it to
// serve. The connection is closed once serve returns.
func StartUpstream(t *testing.T, ctx context.Context, serve func(c net.Conn) error) *Upstream {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	u := &Upstream{Listener: ln, done: make(chan struct{})}
	t.Cleanup(func() { _ = u.Wait() })

	go func() {
		defer close(u.done)
		c, err := ln.Accept()
		if err != nil {
			u.err = err
			return
		}
		defer c.Close()
		u.err = serve(c)
	}()
	return u
}

// Wait stops accepting and returns serve's error. If no connection arrived
// the error is from Accept.
func (u *Upstream) Wait() error {
	_ = u.Listener.Close()
	<-u.done
	return u.err
}
