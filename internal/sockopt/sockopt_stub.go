//go:build !linux

package sockopt

import "errors"

const IsSupported = false

func apply(_ int, _ Options) error {
	return errors.New("socket mark and bind-to-device are only supported on linux")
}
