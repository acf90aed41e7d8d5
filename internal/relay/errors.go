package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Side names the socket an error came from.
type Side int

const (
	// Local is the client socket.
	Local Side = iota
	// Remote is the relay socket, including any chained proxy hop.
	Remote
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

var (
	// ErrIdleTimeout is the termination cause for listener-driven eviction.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrNoEndpoint means no relay server is configured for the connection.
	ErrNoEndpoint = errors.New("no relay server configured")
	// ErrClosed is the termination cause for an explicit Close.
	ErrClosed = errors.New("closed")
)

// ProtocolLengthError is a handshake record shorter than its state requires.
type ProtocolLengthError struct {
	State State
	Got   int
}

func (e *ProtocolLengthError) Error() string {
	return fmt.Sprintf("short %s record: %d bytes", e.State, e.Got)
}

// UnsupportedVersionError is a version byte other than 5.
type UnsupportedVersionError struct {
	Version byte
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported socks version %d", e.Version)
}

// AddressParseError wraps a malformed destination address record.
type AddressParseError struct {
	Err error
}

func (e *AddressParseError) Error() string { return "parse address: " + e.Err.Error() }
func (e *AddressParseError) Unwrap() error { return e.Err }

// UnsupportedCommandError is any SOCKS5 command other than CONNECT.
type UnsupportedCommandError struct {
	Command byte
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported socks command %#x", e.Command)
}

func (e *UnsupportedCommandError) Is(target error) bool {
	return target == errors.ErrUnsupported
}

// PeerClosedError is an orderly close by the peer on Side.
type PeerClosedError struct {
	Side Side
}

func (e *PeerClosedError) Error() string { return e.Side.String() + " closed" }

// TimeoutError is a socket-level timeout on Side: a dial, negotiation, or
// I/O deadline. It is distinct from idle eviction.
type TimeoutError struct {
	Side Side
	Err  error
}

func (e *TimeoutError) Error() string { return e.Side.String() + " timeout: " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError is any other socket failure on Side, including chained
// proxy and cipher failures on the relay stream.
type TransportError struct {
	Side Side
	Err  error
}

func (e *TransportError) Error() string { return e.Side.String() + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// sideError classifies an I/O error from side.
func sideError(side Side, err error) error {
	if errors.Is(err, io.EOF) {
		return &PeerClosedError{Side: side}
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Side: side, Err: err}
	}
	return &TransportError{Side: side, Err: err}
}

// Result is the completion code reported when a connection terminates. The
// first ten values are stable numeric codes shared with other shadowsocks
// local clients.
type Result int

const (
	ResultGood Result = iota
	ResultDataLength
	ResultParseAddress
	ResultNoCommand
	ResultCloseRemote
	ResultCloseLocal
	ResultTimeoutRemote
	ResultTimeoutLocal
	ResultOtherRemote
	ResultOtherLocal
	ResultUnsupportedVersion
	ResultUnsupportedCommand
	ResultIdleTimeout
	ResultNoEndpoint
)

var resultNames = [...]string{
	ResultGood:               "good",
	ResultDataLength:         "data-length",
	ResultParseAddress:       "parse-address",
	ResultNoCommand:          "no-command",
	ResultCloseRemote:        "close-remote",
	ResultCloseLocal:         "close-local",
	ResultTimeoutRemote:      "timeout-remote",
	ResultTimeoutLocal:       "timeout-local",
	ResultOtherRemote:        "other-remote",
	ResultOtherLocal:         "other-local",
	ResultUnsupportedVersion: "unsupported-version",
	ResultUnsupportedCommand: "unsupported-command",
	ResultIdleTimeout:        "idle-timeout",
	ResultNoEndpoint:         "no-endpoint",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Orderly reports whether r is a normal end of a connection rather than a
// failure worth surfacing.
func (r Result) Orderly() bool {
	switch r {
	case ResultGood, ResultCloseLocal, ResultCloseRemote:
		return true
	default:
		return false
	}
}

// ResultOf maps a termination cause to its Result.
func ResultOf(err error) Result {
	if err == nil || errors.Is(err, ErrClosed) {
		return ResultGood
	}

	var (
		lenErr  *ProtocolLengthError
		verErr  *UnsupportedVersionError
		addrErr *AddressParseError
		cmdErr  *UnsupportedCommandError
		peerErr *PeerClosedError
		toErr   *TimeoutError
		trErr   *TransportError
	)
	switch {
	case errors.Is(err, ErrIdleTimeout):
		return ResultIdleTimeout
	case errors.Is(err, ErrNoEndpoint):
		return ResultNoEndpoint
	case errors.As(err, &lenErr):
		return ResultDataLength
	case errors.As(err, &verErr):
		return ResultUnsupportedVersion
	case errors.As(err, &addrErr):
		return ResultParseAddress
	case errors.As(err, &cmdErr):
		if cmdErr.Command == udpAssociate {
			return ResultUnsupportedCommand
		}
		return ResultNoCommand
	case errors.As(err, &peerErr):
		return pick(peerErr.Side, ResultCloseLocal, ResultCloseRemote)
	case errors.As(err, &toErr):
		return pick(toErr.Side, ResultTimeoutLocal, ResultTimeoutRemote)
	case errors.As(err, &trErr):
		return pick(trErr.Side, ResultOtherLocal, ResultOtherRemote)
	default:
		return ResultOtherLocal
	}
}

func pick(s Side, local, remote Result) Result {
	if s == Local {
		return local
	}
	return remote
}
