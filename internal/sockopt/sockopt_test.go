package sockopt

import (
	"context"
	"net"
	"testing"
)

func TestZeroOptionsHaveNoControl(t *testing.T) {
	if (Options{}).Control() != nil {
		t.Fatal("empty options should not install a control func")
	}
	if (Options{Mark: 1}).Control() == nil {
		t.Fatal("mark should install a control func")
	}
}

func TestBindToLoopback(t *testing.T) {
	if !IsSupported {
		t.Skip("socket options unsupported on this platform")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	// SO_BINDTODEVICE needs CAP_NET_RAW on older kernels, so a permission
	// failure is not a test failure.
	d := net.Dialer{Control: Options{Device: "lo"}.Control()}
	c, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Skipf("bind to device not permitted here: %v", err)
	}
	_ = c.Close()
}
