package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrRequestRejected matches every non-success reply to a client request.
var ErrRequestRejected = errors.New("socks5: request rejected")

// ReplyError is a failure reply code returned by the server.
type ReplyError struct {
	Dest Address
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: request for %s rejected: reply %#x", e.Dest, e.Code)
}

func (e *ReplyError) Is(target error) bool {
	return target == ErrRequestRejected
}

// Connect tunnels conn to dest through the SOCKS5 server on its far end. It
// offers username/password only when auth has a username, and returns the
// address the server reports having bound for the tunnel.
func Connect(conn net.Conn, auth Auth, dest Address) (Address, error) {
	if err := selectMethod(conn, auth); err != nil {
		return Address{}, err
	}

	rec, err := dest.Encode()
	if err != nil {
		return Address{}, fmt.Errorf("request: %w", err)
	}
	req := make([]byte, 0, 3+len(rec))
	req = append(req, Version, CmdConnect, 0x00)
	req = append(req, rec...)
	if _, err := conn.Write(req); err != nil {
		return Address{}, fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return Address{}, fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return Address{}, &ReplyError{Dest: dest, Code: rep.Rep}
	}

	bound := append([]byte{rep.Atyp}, rep.BndAddr...)
	bound = append(bound, rep.BndPort...)
	bnd, _, err := Decode(bound)
	if err != nil {
		return Address{}, fmt.Errorf("bound address: %w", err)
	}
	return bnd, nil
}

func selectMethod(conn net.Conn, auth Auth) error {
	offered := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		offered = append(offered, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(offered).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if !slices.Contains(offered, neg.Method) {
		return fmt.Errorf("server selected method %#x, offered %v", neg.Method, offered)
	}
	if neg.Method == txsocks5.MethodNone {
		return nil
	}

	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("username/password rejected for %q", auth.Username)
	}
	return nil
}
