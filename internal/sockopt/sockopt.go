package sockopt

import (
	"syscall"
)

// Options are applied to each outbound socket before it connects.
type Options struct {
	Mark   int
	Device string
}

// IsZero reports whether o sets nothing.
func (o Options) IsZero() bool {
	return o.Mark == 0 && o.Device == ""
}

// Control returns a net.Dialer Control func applying o, or nil when o is
// empty.
func (o Options) Control() func(network, address string, c syscall.RawConn) error {
	if o.IsZero() {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = apply(int(fd), o)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
