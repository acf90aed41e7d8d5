package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ParseServerURL parses a relay endpoint given as
//
//	ss://method:password@host[:port][#label]
//	ss://base64(method:password)@host[:port][#label]
//	ss://base64(method:password@host:port)[#label]
//
// An optional "timeout" query parameter sets the idle timeout in seconds.
func ParseServerURL(s string) (ServerEndpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ServerEndpoint{}, fmt.Errorf("invalid server url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "ss") {
		return ServerEndpoint{}, fmt.Errorf("invalid server url scheme: %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return ServerEndpoint{}, errors.New("invalid server url: path should be empty")
	}

	// Legacy form with the whole authority base64 encoded.
	if u.User == nil && u.Host != "" && u.Port() == "" {
		if raw, ok := decodeBase64(u.Host); ok {
			legacy, err := url.Parse("ss://" + raw)
			if err == nil && legacy.User != nil {
				legacy.Fragment = u.Fragment
				legacy.RawQuery = u.RawQuery
				u = legacy
			}
		}
	}

	var method, password string
	if u.User != nil {
		method = u.User.Username()
		var ok bool
		password, ok = u.User.Password()
		if !ok {
			raw, decoded := decodeBase64(method)
			if !decoded {
				return ServerEndpoint{}, errors.New("invalid server url: userinfo should be method:password")
			}
			method, password, ok = strings.Cut(raw, ":")
			if !ok {
				return ServerEndpoint{}, errors.New("invalid server url: userinfo should be method:password")
			}
		}
	}
	if method == "" || password == "" {
		return ServerEndpoint{}, errors.New("invalid server url: missing method or password")
	}

	e := ServerEndpoint{
		Host:     u.Hostname(),
		Method:   strings.ToLower(method),
		Password: password,
		Label:    u.Fragment,
		Port:     DefaultServerPort,
		Timeout:  DefaultServerTimeout,
	}
	if e.Host == "" {
		return ServerEndpoint{}, errors.New("invalid server url: missing host")
	}
	if p := u.Port(); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return ServerEndpoint{}, fmt.Errorf("invalid server url: %w", err)
		}
		e.Port = port
	}
	if t := u.Query().Get("timeout"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n <= 0 {
			return ServerEndpoint{}, fmt.Errorf("invalid server url: bad timeout %q", t)
		}
		e.Timeout = n
	}
	return e, nil
}

// ParseProxyURL parses a chained proxy given as http://host[:port] or
// socks5://host[:port]. An empty string returns a disabled proxy.
func ParseProxyURL(s string) (ChainedProxy, error) {
	if s == "" {
		return ChainedProxy{}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return ChainedProxy{}, fmt.Errorf("invalid proxy url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return ChainedProxy{}, errors.New("invalid proxy url: path should be empty")
	}

	p := ChainedProxy{Enabled: true, Host: u.Hostname()}
	switch u.Scheme {
	case "":
		return ChainedProxy{}, errors.New("invalid proxy url: missing scheme")
	case "http":
		p.Kind = ProxyHTTP
	case "socks5":
		p.Kind = ProxySOCKS5
	default:
		return ChainedProxy{}, fmt.Errorf("invalid proxy url scheme: %q", u.Scheme)
	}
	if p.Host == "" {
		return ChainedProxy{}, errors.New("invalid proxy url: missing host")
	}

	port := u.Port()
	if port == "" {
		port = defaultPortForKind(p.Kind)
	}
	if p.Port, err = parsePort(port); err != nil {
		return ChainedProxy{}, fmt.Errorf("invalid proxy url: %w", err)
	}
	return p, nil
}

func defaultPortForKind(k ProxyKind) string {
	switch k {
	case ProxyHTTP:
		return "80"
	case ProxySOCKS5:
		return "1080"
	default:
		return ""
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}

func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

// JoinHostPort is net.JoinHostPort for a numeric port.
func JoinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
