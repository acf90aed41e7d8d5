package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/sslocal/internal/socks5"
)

var dest = socks5.NewHostAddress("example.com", 443)

func servers(n int) []ServerEndpoint {
	s := make([]ServerEndpoint, n)
	for i := range s {
		s[i] = ServerEndpoint{Host: "relay" + string(rune('a'+i)) + ".example", Port: 8388, Method: "aes-256-gcm", Password: "pw", Timeout: 5}
	}
	return s
}

func TestSelectEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		servers []ServerEndpoint
		index   int
		want    string
		zero    bool
	}{
		{name: "empty list", zero: true},
		{name: "index in range", servers: servers(3), index: 2, want: "relayc.example"},
		{name: "index out of range", servers: servers(3), index: 7, want: "relaya.example"},
		{name: "negative index", servers: servers(2), index: -1, want: "relaya.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Configuration{Servers: tt.servers, ServerIndex: tt.index}
			got := c.SelectEndpoint(dest)
			if got.IsZero() != tt.zero {
				t.Fatalf("IsZero=%v want %v (%+v)", got.IsZero(), tt.zero, got)
			}
			if tt.zero {
				if got.Port != DefaultServerPort || got.Timeout != DefaultServerTimeout {
					t.Fatalf("default endpoint %+v", got)
				}
				return
			}
			if got.Host != tt.want {
				t.Fatalf("got %s want %s", got.Host, tt.want)
			}
		})
	}
}

type fixedChooser struct {
	ep    ServerEndpoint
	calls int
}

func (f *fixedChooser) Choose(socks5.Address, int, []ServerEndpoint) ServerEndpoint {
	f.calls++
	return f.ep
}

func TestRegisterChooserDelegates(t *testing.T) {
	t.Parallel()

	c := &Configuration{Servers: servers(2), ServerIndex: 1}
	ch := &fixedChooser{ep: ServerEndpoint{Host: "chosen.example", Port: 1}}
	c.RegisterChooser(ch)

	if got := c.SelectEndpoint(dest); got.Host != "chosen.example" {
		t.Fatalf("got %s", got.Host)
	}
	if ch.calls != 1 {
		t.Fatalf("chooser called %d times", ch.calls)
	}

	c.UnregisterChooser()
	if got := c.SelectEndpoint(dest); got.Host != "relayb.example" {
		t.Fatalf("got %s after unregister", got.Host)
	}
}

func TestIdleTimeoutFloor(t *testing.T) {
	t.Parallel()

	c := &Configuration{}
	tests := []struct {
		timeout int
		want    time.Duration
	}{
		{timeout: 5, want: 60 * time.Second},
		{timeout: 0, want: 60 * time.Second},
		{timeout: 120, want: 120 * time.Second},
	}
	for _, tt := range tests {
		if got := c.IdleTimeout(ServerEndpoint{Timeout: tt.timeout}); got != tt.want {
			t.Errorf("timeout %d: got %v want %v", tt.timeout, got, tt.want)
		}
	}

	c.TimeoutFloor = 10 * time.Millisecond
	if got := c.IdleTimeout(ServerEndpoint{}); got != 10*time.Millisecond {
		t.Fatalf("custom floor: got %v", got)
	}
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()

	rr := &RoundRobin{}
	s := servers(3)
	var got []string
	for range 4 {
		got = append(got, rr.Choose(dest, 1, s).Host)
	}
	want := []string{"relayb.example", "relayc.example", "relaya.example", "relayb.example"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
	if !rr.Choose(dest, 0, nil).IsZero() {
		t.Fatal("empty list should yield the zero endpoint")
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	t.Parallel()

	rr := &RoundRobin{}
	s := servers(4)

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for range 8 {
		wg.Go(func() {
			for range 100 {
				h := rr.Choose(dest, 0, s).Host
				mu.Lock()
				counts[h]++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, e := range s {
		if counts[e.Host] != 200 {
			t.Fatalf("uneven distribution: %v", counts)
		}
	}
}

func TestLatencyChooser(t *testing.T) {
	t.Parallel()

	l := NewLatencyChooser()
	s := servers(3)

	if got := l.Choose(dest, 0, s); got.Host != "relaya.example" {
		t.Fatalf("unmeasured first: got %s", got.Host)
	}

	l.RecordLatency(s[0], 50*time.Millisecond)
	l.RecordLatency(s[1], 10*time.Millisecond)
	if got := l.Choose(dest, 0, s); got.Host != "relayc.example" {
		t.Fatalf("remaining unmeasured: got %s", got.Host)
	}

	l.RecordLatency(s[2], 30*time.Millisecond)
	if got := l.Choose(dest, 0, s); got.Host != "relayb.example" {
		t.Fatalf("fastest: got %s", got.Host)
	}

	// Smoothing: one slow sample moves the average a quarter of the way.
	l.RecordLatency(s[1], 90*time.Millisecond)
	if d, _ := l.Latency(s[1]); d != 30*time.Millisecond {
		t.Fatalf("smoothed latency %v", d)
	}

	c := &Configuration{Servers: s}
	c.RegisterChooser(l)
	c.RecordLatency(s[0], 0)
	if d, _ := l.Latency(s[0]); d != 37500*time.Microsecond {
		t.Fatalf("RecordLatency via configuration: %v", d)
	}
}

func TestLatencyChooserFailure(t *testing.T) {
	t.Parallel()

	l := NewLatencyChooser()
	s := servers(2)
	c := &Configuration{Servers: s}
	c.RegisterChooser(l)

	// relaya is unreachable; relayb answers.
	for i := range 3 {
		got := c.SelectEndpoint(dest)
		if i == 0 && got.Host != "relaya.example" {
			t.Fatalf("first pick: got %s", got.Host)
		}
		if got.Host == "relaya.example" {
			c.RecordFailure(got)
			continue
		}
		c.RecordLatency(got, 20*time.Millisecond)
	}
	if got := c.SelectEndpoint(dest); got.Host != "relayb.example" {
		t.Fatalf("after failure: got %s", got.Host)
	}
	if d, _ := l.Latency(s[0]); d != FailurePenalty {
		t.Fatalf("failure sample %v", d)
	}

	// A recovered server still has to beat the live one.
	l.RecordLatency(s[0], 0)
	if got := c.SelectEndpoint(dest); got.Host != "relayb.example" {
		t.Fatalf("one good sample: got %s", got.Host)
	}

	// Choosers without statistics ignore failures.
	rr := &Configuration{Servers: s}
	rr.RegisterChooser(&RoundRobin{})
	rr.RecordFailure(s[0])
}

func TestNewChooser(t *testing.T) {
	t.Parallel()

	if ch, err := NewChooser(""); err != nil || ch != nil {
		t.Fatalf("empty: ch=%v err=%v", ch, err)
	}
	if ch, _ := NewChooser("index"); ch.Choose(dest, 1, servers(2)).Host != "relayb.example" {
		t.Fatal("index")
	}
	if ch, _ := NewChooser("round-robin"); ch == nil {
		t.Fatal("round-robin")
	}
	if ch, _ := NewChooser("latency"); ch == nil {
		t.Fatal("latency")
	}
	if _, err := NewChooser("random"); err == nil {
		t.Fatal("expected error for unknown chooser")
	}
}

const sampleTOML = `
local_port = 1090
chooser = "round-robin"

[[server]]
host = "relay1.example"
method = "aes-256-gcm"
password = "secret"
timeout = 10
label = "first"

[[server]]
host = "192.0.2.7"
port = 8443
method = "chacha20-ietf"
password = "secret"

[proxy]
enabled = true
type = "socks5"
host = "127.0.0.1"
port = 1081
`

func TestLoadString(t *testing.T) {
	t.Parallel()

	c, err := LoadString(sampleTOML)
	if err != nil {
		t.Fatal(err)
	}
	if c.ListenAddr() != "127.0.0.1:1090" {
		t.Fatalf("listen %s", c.ListenAddr())
	}
	if len(c.Servers) != 2 {
		t.Fatalf("servers %d", len(c.Servers))
	}
	if s := c.Servers[0]; s.Port != DefaultServerPort || s.Timeout != 10 || s.Label != "first" {
		t.Fatalf("server 0 %+v", s)
	}
	if s := c.Servers[1]; s.Port != 8443 || s.Timeout != DefaultServerTimeout {
		t.Fatalf("server 1 %+v", s)
	}
	if c.Proxy.Kind != ProxySOCKS5 || c.Proxy.Addr() != "127.0.0.1:1081" {
		t.Fatalf("proxy %+v", c.Proxy)
	}
	if _, ok := c.Chooser().(*RoundRobin); !ok {
		t.Fatalf("chooser %T", c.Chooser())
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sslocal.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestShareOverLAN(t *testing.T) {
	t.Parallel()

	c, err := LoadString("share_over_lan = true\n")
	if err != nil {
		t.Fatal(err)
	}
	if c.ListenAddr() != "0.0.0.0:1080" {
		t.Fatalf("listen %s", c.ListenAddr())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad method", doc: "[[server]]\nhost = \"a.example\"\nmethod = \"rot13\"\npassword = \"x\"\n"},
		{name: "empty password", doc: "[[server]]\nhost = \"a.example\"\nmethod = \"aes-256-gcm\"\n"},
		{name: "bad host", doc: "[[server]]\nhost = \"not a host\"\nmethod = \"aes-256-gcm\"\npassword = \"x\"\n"},
		{name: "unknown proxy type", doc: "[proxy]\nenabled = true\ntype = \"socks4\"\nhost = \"127.0.0.1\"\nport = 1080\n"},
		{name: "proxy missing port", doc: "[proxy]\nenabled = true\ntype = \"http\"\nhost = \"127.0.0.1\"\n"},
		{name: "unknown chooser", doc: "chooser = \"random\"\n"},
		{name: "bad local address", doc: "local_address = \"localhost\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadString(tt.doc); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	// A disabled proxy is not validated.
	if _, err := LoadString("[proxy]\ntype = \"socks4\"\n"); err != nil {
		t.Fatal(err)
	}
}

func TestParseServerURL(t *testing.T) {
	t.Parallel()

	b64 := base64.RawURLEncoding.EncodeToString([]byte("aes-128-gcm:p@ss"))
	legacy := base64.RawURLEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pw@legacy.example:9000"))

	tests := []struct {
		name    string
		url     string
		want    ServerEndpoint
		wantErr bool
	}{
		{
			name: "plain userinfo",
			url:  "ss://aes-256-gcm:secret@relay.example:8443#home",
			want: ServerEndpoint{Host: "relay.example", Port: 8443, Method: "aes-256-gcm", Password: "secret", Timeout: 5, Label: "home"},
		},
		{
			name: "default port and timeout query",
			url:  "ss://AES-256-CFB:secret@relay.example?timeout=30",
			want: ServerEndpoint{Host: "relay.example", Port: 8388, Method: "aes-256-cfb", Password: "secret", Timeout: 30},
		},
		{
			name: "base64 userinfo",
			url:  "ss://" + b64 + "@[2001:db8::1]:8388",
			want: ServerEndpoint{Host: "2001:db8::1", Port: 8388, Method: "aes-128-gcm", Password: "p@ss", Timeout: 5},
		},
		{
			name: "legacy base64 authority",
			url:  "ss://" + legacy + "#old",
			want: ServerEndpoint{Host: "legacy.example", Port: 9000, Method: "chacha20-ietf-poly1305", Password: "pw", Timeout: 5, Label: "old"},
		},
		{name: "wrong scheme", url: "http://aes-256-gcm:x@relay.example", wantErr: true},
		{name: "missing password", url: "ss://aes-256-gcm@relay.example", wantErr: true},
		{name: "missing host", url: "ss://aes-256-gcm:x@:8388", wantErr: true},
		{name: "bad port", url: "ss://aes-256-gcm:x@relay.example:0", wantErr: true},
		{name: "bad timeout", url: "ss://aes-256-gcm:x@relay.example?timeout=soon", wantErr: true},
		{name: "path", url: "ss://aes-256-gcm:x@relay.example/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParseProxyURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		want    ChainedProxy
		wantErr bool
	}{
		{name: "empty disables", url: ""},
		{name: "http default port", url: "http://proxy.example", want: ChainedProxy{Enabled: true, Kind: ProxyHTTP, Host: "proxy.example", Port: 80}},
		{name: "socks5 default port", url: "SOCKS5://127.0.0.1", want: ChainedProxy{Enabled: true, Kind: ProxySOCKS5, Host: "127.0.0.1", Port: 1080}},
		{name: "explicit port", url: "http://proxy.example:3128", want: ChainedProxy{Enabled: true, Kind: ProxyHTTP, Host: "proxy.example", Port: 3128}},
		{name: "https unsupported", url: "https://proxy.example", wantErr: true},
		{name: "missing scheme", url: "proxy.example:80", wantErr: true},
		{name: "missing host", url: "http://", wantErr: true},
		{name: "path", url: "http://proxy.example/foo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProxyURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}
