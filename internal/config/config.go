// Package config holds the relay endpoints, the optional chained proxy, and
// the local listen settings, loaded from TOML and command-line URLs.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"

	"github.com/die-net/sslocal/internal/cipher"
	"github.com/die-net/sslocal/internal/socks5"
)

const (
	DefaultLocalPort     = 1080
	DefaultServerPort    = 8388
	DefaultServerTimeout = 5 // seconds
	// DefaultTimeoutFloor is the shortest idle timeout any connection gets.
	// Anything shorter thrashes on ordinary stalls.
	DefaultTimeoutFloor = 60 * time.Second
)

// ProxyKind names a chained proxy protocol.
type ProxyKind string

const (
	ProxyHTTP   ProxyKind = "http"
	ProxySOCKS5 ProxyKind = "socks5"
)

// ServerEndpoint is one remote relay reachable over the encrypted protocol.
type ServerEndpoint struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	Method   string `toml:"method"`
	Password string `toml:"password"`
	// Timeout is the idle timeout in seconds, raised to the floor when used.
	Timeout int    `toml:"timeout"`
	Label   string `toml:"label"`
}

// DefaultServerEndpoint is what selection yields when nothing is configured.
// Its empty Host makes IsZero true.
func DefaultServerEndpoint() ServerEndpoint {
	return ServerEndpoint{Port: DefaultServerPort, Timeout: DefaultServerTimeout}
}

// IsZero reports whether e names no server and so must not be dialed.
func (e ServerEndpoint) IsZero() bool {
	return e.Host == "" || e.Port == 0
}

// Addr returns "host:port".
func (e ServerEndpoint) Addr() string {
	return JoinHostPort(e.Host, e.Port)
}

// Address returns e as a SOCKS5 Address, a hostname unless Host is an IP.
func (e ServerEndpoint) Address() socks5.Address {
	return socks5.NewHostAddress(e.Host, e.Port)
}

func (e ServerEndpoint) String() string {
	if e.Label != "" {
		return e.Label + " (" + e.Addr() + ")"
	}
	return e.Addr()
}

// ChainedProxy is an upstream proxy used only for the outbound relay dial.
type ChainedProxy struct {
	Enabled bool      `toml:"enabled"`
	Kind    ProxyKind `toml:"type"`
	Host    string    `toml:"host"`
	Port    uint16    `toml:"port"`
}

// Addr returns "host:port".
func (p ChainedProxy) Addr() string {
	return JoinHostPort(p.Host, p.Port)
}

// Configuration is read-only once the listener starts, apart from chooser
// state, which choosers guard themselves.
type Configuration struct {
	LocalAddress string           `toml:"local_address"`
	LocalPort    uint16           `toml:"local_port"`
	ShareOverLAN bool             `toml:"share_over_lan"`
	ServerIndex  int              `toml:"server_index"`
	ChooserName  string           `toml:"chooser"`
	Servers      []ServerEndpoint `toml:"server"`
	Proxy        ChainedProxy     `toml:"proxy"`

	// TimeoutFloor clamps every endpoint's idle timeout from below.
	TimeoutFloor time.Duration `toml:"-"`

	chooser Chooser
}

// Load reads a TOML file, applies defaults, and validates the result.
func Load(path string) (*Configuration, error) {
	c := &Configuration{}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := c.Finish(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// LoadString is Load for an in-memory document.
func LoadString(doc string) (*Configuration, error) {
	c := &Configuration{}
	if _, err := toml.Decode(doc, c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// Finish applies defaults, validates, and registers the named chooser. Call
// it after all servers have been added.
func (c *Configuration) Finish() error {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	if c.chooser == nil {
		ch, err := NewChooser(c.ChooserName)
		if err != nil {
			return err
		}
		if ch != nil {
			c.RegisterChooser(ch)
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with the reference defaults.
func (c *Configuration) ApplyDefaults() {
	if c.LocalPort == 0 {
		c.LocalPort = DefaultLocalPort
	}
	if c.LocalAddress == "" {
		if c.ShareOverLAN {
			c.LocalAddress = "0.0.0.0"
		} else {
			c.LocalAddress = "127.0.0.1"
		}
	}
	if c.TimeoutFloor <= 0 {
		c.TimeoutFloor = DefaultTimeoutFloor
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Port == 0 {
			s.Port = DefaultServerPort
		}
		if s.Timeout <= 0 {
			s.Timeout = DefaultServerTimeout
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Configuration) Validate() error {
	if c.LocalPort == 0 {
		return errors.New("local_port must be set")
	}
	if ip := net.ParseIP(c.LocalAddress); ip == nil {
		return fmt.Errorf("local_address %q is not an IP address", c.LocalAddress)
	}

	for i, s := range c.Servers {
		if !govalidator.IsHost(s.Host) {
			return fmt.Errorf("server %d: invalid host %q", i, s.Host)
		}
		if s.Port == 0 {
			return fmt.Errorf("server %d: port must be set", i)
		}
		if !cipher.Supported(s.Method) {
			return fmt.Errorf("server %d: %w: %q", i, cipher.ErrUnsupportedMethod, s.Method)
		}
		if s.Password == "" {
			return fmt.Errorf("server %d: %w", i, cipher.ErrEmptyPassword)
		}
	}

	if p := c.Proxy; p.Enabled {
		switch p.Kind {
		case ProxyHTTP, ProxySOCKS5:
		default:
			return fmt.Errorf("proxy: unsupported type %q (want %q or %q)", p.Kind, ProxyHTTP, ProxySOCKS5)
		}
		if !govalidator.IsHost(p.Host) {
			return fmt.Errorf("proxy: invalid host %q", p.Host)
		}
		if p.Port == 0 {
			return errors.New("proxy: port must be set")
		}
	}

	if _, err := NewChooser(c.ChooserName); err != nil {
		return err
	}
	return nil
}

// ListenAddr returns the local "host:port" to bind.
func (c *Configuration) ListenAddr() string {
	return JoinHostPort(c.LocalAddress, c.LocalPort)
}

// IdleTimeout returns e's idle timeout clamped to the floor.
func (c *Configuration) IdleTimeout(e ServerEndpoint) time.Duration {
	floor := c.TimeoutFloor
	if floor <= 0 {
		floor = DefaultTimeoutFloor
	}
	return max(time.Duration(e.Timeout)*time.Second, floor)
}

// RegisterChooser installs ch for endpoint selection. It must be called
// before the configuration is shared.
func (c *Configuration) RegisterChooser(ch Chooser) {
	c.chooser = ch
}

// UnregisterChooser reverts to index selection.
func (c *Configuration) UnregisterChooser() {
	c.chooser = nil
}

// Chooser returns the registered chooser, or nil.
func (c *Configuration) Chooser() Chooser {
	return c.chooser
}

// SelectEndpoint picks the relay for a new connection to dest. With no
// chooser it returns the server at ServerIndex, falling back to the first
// server when the index is out of range, and DefaultServerEndpoint when no
// servers are configured.
func (c *Configuration) SelectEndpoint(dest socks5.Address) ServerEndpoint {
	if c.chooser != nil {
		return c.chooser.Choose(dest, c.ServerIndex, c.Servers)
	}
	return byIndex(c.Servers, c.ServerIndex)
}

// RecordLatency forwards a measured connect latency to the chooser when it
// keeps latency statistics.
func (c *Configuration) RecordLatency(e ServerEndpoint, d time.Duration) {
	if r, ok := c.chooser.(LatencyRecorder); ok {
		r.RecordLatency(e, d)
	}
}

// RecordFailure tells the chooser that dialing e failed.
func (c *Configuration) RecordFailure(e ServerEndpoint) {
	if r, ok := c.chooser.(FailureRecorder); ok {
		r.RecordFailure(e)
	}
}

func byIndex(servers []ServerEndpoint, index int) ServerEndpoint {
	if len(servers) == 0 {
		return DefaultServerEndpoint()
	}
	if index < 0 || index >= len(servers) {
		index = 0
	}
	return servers[index]
}
