package relay

import "fmt"

// State is a connection handler's position in the SOCKS5 relay lifecycle.
type State int32

const (
	// StateInit waits for the method negotiation record.
	StateInit State = iota
	// StateAddressWait waits for the request record.
	StateAddressWait
	// StateConnecting buffers client bytes while the relay dial is in flight.
	StateConnecting
	// StateStreaming relays encrypted traffic in both directions.
	StateStreaming
	// StateTerminated is final. No further I/O happens.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAddressWait:
		return "address-wait"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
