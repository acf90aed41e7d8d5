package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// Version is the SOCKS protocol version byte.
	Version byte = 0x05

	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect byte = 0x01
	// CmdUDPAssociate is the SOCKS5 UDP ASSOCIATE command value.
	CmdUDPAssociate byte = 0x03
)

// RejectVersion is the method-selection reply for a client whose version byte
// is not 5. 0x5B is the generic SOCKS request-rejected code.
var RejectVersion = []byte{0x00, 0x5B}

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// WriteAccept writes the no-authentication method selection reply.
func WriteAccept(w io.Writer) error {
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// WriteReject writes the reply sent to non-SOCKS5 clients.
func WriteReject(w io.Writer) error {
	if _, err := w.Write(RejectVersion); err != nil {
		return fmt.Errorf("reject reply: %w", err)
	}
	return nil
}

// WriteConnectReply writes the CONNECT success reply with a zero IPv4 bound
// address. The real remote binding is never reported.
func WriteConnectReply(w io.Writer) error {
	if _, err := newZeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4).WriteTo(w); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	return nil
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(w io.Writer, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(w)
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
