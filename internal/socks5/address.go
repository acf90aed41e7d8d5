package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Kind is the SOCKS5 address type tag (ATYP).
type Kind byte

const (
	KindIPv4     Kind = 0x01
	KindHostname Kind = 0x03
	KindIPv6     Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindHostname:
		return "hostname"
	case KindIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("atyp(%#x)", byte(k))
	}
}

// ErrAddress is returned for malformed address records: unknown tag, empty
// hostname, or a record whose length does not match its declared layout.
var ErrAddress = errors.New("socks5: malformed address")

// Address is a SOCKS5 destination: a hostname or raw IP plus port.
//
// Resolved is not part of the wire record. It is filled by a resolver once a
// hostname lookup completes.
type Address struct {
	Kind     Kind
	Host     string
	IP       net.IP
	Port     uint16
	Resolved []net.IP
}

// NewHostAddress returns a hostname Address, or an IP Address when host is an
// IP literal.
func NewHostAddress(host string, port uint16) Address {
	if ip := net.ParseIP(host); ip != nil {
		return NewIPAddress(ip, port)
	}
	return Address{Kind: KindHostname, Host: host, Port: port}
}

// NewIPAddress returns an IPv4 Address when ip has a 4-byte form, IPv6
// otherwise.
func NewIPAddress(ip net.IP, port uint16) Address {
	if ip4 := ip.To4(); ip4 != nil {
		return Address{Kind: KindIPv4, IP: ip4, Port: port}
	}
	return Address{Kind: KindIPv6, IP: ip.To16(), Port: port}
}

// ParseAddress parses "host:port".
func ParseAddress(hostport string) (Address, error) {
	atyp, addr, port, err := txsocks5.ParseAddress(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}

	rec := make([]byte, 0, 1+len(addr)+len(port))
	rec = append(rec, atyp)
	rec = append(rec, addr...)
	rec = append(rec, port...)

	a, _, err := Decode(rec)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	return a, nil
}

// AddressLen reports the total length of the address record at the start of
// b, including tag and port. It returns io.ErrShortBuffer when b is too short
// to tell, and ErrAddress for an unknown tag or an empty hostname. The
// returned length may exceed len(b).
func AddressLen(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, io.ErrShortBuffer
	}
	switch Kind(b[0]) {
	case KindIPv4:
		return 1 + net.IPv4len + 2, nil
	case KindIPv6:
		return 1 + net.IPv6len + 2, nil
	case KindHostname:
		if len(b) < 2 {
			return 0, io.ErrShortBuffer
		}
		if b[1] == 0 {
			return 0, fmt.Errorf("%w: empty hostname", ErrAddress)
		}
		return 2 + int(b[1]) + 2, nil
	default:
		return 0, fmt.Errorf("%w: unknown address type %#x", ErrAddress, b[0])
	}
}

// Decode parses exactly one address record. b must hold the record and
// nothing else: a missing or trailing byte is an error. The consumed length is
// always len(b) on success.
func Decode(b []byte) (Address, int, error) {
	n, err := AddressLen(b)
	if err != nil {
		if errors.Is(err, io.ErrShortBuffer) {
			return Address{}, 0, fmt.Errorf("%w: record too short", ErrAddress)
		}
		return Address{}, 0, err
	}
	if n != len(b) {
		return Address{}, 0, fmt.Errorf("%w: %s record is %d bytes, want %d", ErrAddress, Kind(b[0]), len(b), n)
	}

	a := Address{Kind: Kind(b[0]), Port: binary.BigEndian.Uint16(b[n-2:])}
	switch a.Kind {
	case KindIPv4, KindIPv6:
		// Network byte order, copied as-is.
		a.IP = append(net.IP(nil), b[1:n-2]...)
	case KindHostname:
		a.Host = string(b[2 : n-2])
	}
	return a, n, nil
}

// Encode returns the wire record for a.
func (a Address) Encode() ([]byte, error) {
	return a.AppendTo(nil)
}

// AppendTo appends the wire record for a to b.
func (a Address) AppendTo(b []byte) ([]byte, error) {
	switch a.Kind {
	case KindIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return b, fmt.Errorf("%w: %v is not an IPv4 address", ErrAddress, a.IP)
		}
		b = append(b, byte(KindIPv4))
		b = append(b, ip4...)
	case KindIPv6:
		ip16 := a.IP.To16()
		if ip16 == nil {
			return b, fmt.Errorf("%w: %v is not an IPv6 address", ErrAddress, a.IP)
		}
		b = append(b, byte(KindIPv6))
		b = append(b, ip16...)
	case KindHostname:
		if len(a.Host) == 0 || len(a.Host) > 255 {
			return b, fmt.Errorf("%w: hostname length %d", ErrAddress, len(a.Host))
		}
		b = append(b, byte(KindHostname), byte(len(a.Host)))
		b = append(b, a.Host...)
	default:
		return b, fmt.Errorf("%w: unknown address type %#x", ErrAddress, byte(a.Kind))
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// Hostname returns the host part: the name for hostname addresses, the IP
// text otherwise.
func (a Address) Hostname() string {
	if a.Kind == KindHostname {
		return a.Host
	}
	return a.IP.String()
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Hostname(), strconv.Itoa(int(a.Port)))
}

// WithResolved returns a copy of a carrying ips as its lookup result.
func (a Address) WithResolved(ips []net.IP) Address {
	a.Resolved = append([]net.IP(nil), ips...)
	return a
}

// DialTargets returns the "host:port" strings to try, in order: every
// resolved IP when a lookup result is present, otherwise the address itself.
func (a Address) DialTargets() []string {
	if len(a.Resolved) == 0 {
		return []string{a.String()}
	}
	port := strconv.Itoa(int(a.Port))
	out := make([]string, 0, len(a.Resolved))
	for _, ip := range a.Resolved {
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	return out
}
