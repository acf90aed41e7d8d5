//go:build linux

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IsSupported reports whether Options can be applied on this platform.
const IsSupported = true

func apply(fd int, o Options) error {
	if o.Mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, o.Mark); err != nil {
			return fmt.Errorf("set SO_MARK %d: %w", o.Mark, err)
		}
	}
	if o.Device != "" {
		if err := unix.BindToDevice(fd, o.Device); err != nil {
			return fmt.Errorf("bind to device %s: %w", o.Device, err)
		}
	}
	return nil
}
