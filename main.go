package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sslocal/internal/cipher"
	"github.com/die-net/sslocal/internal/config"
	"github.com/die-net/sslocal/internal/dialer"
	"github.com/die-net/sslocal/internal/relay"
	"github.com/die-net/sslocal/internal/resolver"
	"github.com/die-net/sslocal/internal/service"
	"github.com/die-net/sslocal/internal/sockopt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.String("config", "", "TOML configuration file")
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 listen address (e.g. 127.0.0.1:1080). Overrides local_address and local_port.")
		servers     = pflag.StringArray("server", nil, "Relay server URL ss://method:password@host:port#label (repeatable)")
		proxyURL    = pflag.String("proxy", "", "Chained proxy for relay connections: http://host:port | socks5://host:port")
		chooser     = pflag.String("chooser", "", "Relay selection: index | round-robin | latency")

		dnsServer   = pflag.String("dns-server", "", "DNS server host:port for relay hostnames. Empty uses the system resolver.")
		dnsCacheTTL = pflag.Duration("dns-cache-ttl", time.Minute, "How long to cache relay hostname lookups. 0 disables.")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for relay DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for SOCKS5 and chained proxy negotiation")
		sweepInterval      = pflag.Duration("sweep-interval", 10*time.Second, "How often idle connections are evicted")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		soMark             = pflag.Int("so-mark", 0, "SO_MARK for relay connections. 0 disables.")
		bindDevice         = pflag.String("bind-device", "", "Network device to bind relay connections to")
		udp                = pflag.Bool("udp", false, "Also bind a UDP socket on the SOCKS5 port")

		verbose = pflag.Bool("verbose", false, "Enable debug logging and per-connection error logging")
		logFile = pflag.String("log-file", "", "Also write logs to this file, rotated by size")
	)

	if !sockopt.IsSupported {
		_ = pflag.CommandLine.MarkHidden("so-mark")
		_ = pflag.CommandLine.MarkHidden("bind-device")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger := newLogger(*verbose, *logFile)
	defer func() { _ = logger.Sync() }()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg, err := loadConfig(*configPath, *servers, *proxyURL, *chooser, *socksListen)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		logger.Warn("no relay servers configured; every connection will be refused")
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		SockOpt:            sockopt.Options{Mark: *soMark, Device: *bindDevice},
	}
	d, err := dialer.New(dialCfg, cfg.Proxy)
	if err != nil {
		return fmt.Errorf("invalid proxy: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", zap.String("addr", *debugListen))
	}

	svc := service.New(ctx, service.Config{
		Config: relay.Config{
			Endpoints: cfg,
			Dialer:    d,
			Resolver:  resolver.New(resolver.Config{
				Server:   *dnsServer,
				Timeout:  *dialTimeout,
				CacheTTL: *dnsCacheTTL,
			}),
			NegotiationTimeout: *negotiationTimeout,
			SweepInterval:      *sweepInterval,
			KeepAlive:          ka,
			Logger:             logger,
		},
		UDP:     *udp,
		Verbose: *verbose,
	})
	if err := svc.Start(); err != nil {
		logger.Error("socks5 listen failed", zap.String("addr", cfg.ListenAddr()), zap.Error(err))
		return fmt.Errorf("socks5 listen: %w", err)
	}
	for _, s := range cfg.Servers {
		logger.Info("relay server", zap.Stringer("server", s), zap.String("method", s.Method))
	}
	switch pd := d.(type) {
	case *dialer.HTTPProxyDialer:
		logger.Info("chained proxy", zap.String("type", "http"), zap.String("addr", pd.ProxyAddr()))
	case *dialer.SOCKS5ProxyDialer:
		logger.Info("chained proxy", zap.String("type", "socks5"), zap.String("addr", pd.ProxyAddr()))
	}
	if *dnsServer != "" {
		logger.Info("relay hostnames resolved via", zap.String("dns_server", *dnsServer), zap.Duration("cache_ttl", *dnsCacheTTL))
	}

	g.Go(func() error {
		if err := svc.Serve(); err != nil {
			logger.Error("socks5 serve failed", zap.Error(err))
			return err
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	s := svc.Stats()
	logger.Info("shutting down",
		zap.Uint64("connections", s.Accepted),
		zap.Uint64("failed", s.Failed),
		zap.Uint64("bytes_read", s.BytesRead),
		zap.Uint64("bytes_written", s.BytesWritten),
	)
	return err
}

// loadConfig merges the TOML file, if any, with the command-line overrides
// and validates the result.
func loadConfig(path string, servers []string, proxyURL, chooser, listen string) (*config.Configuration, error) {
	cfg := &config.Configuration{}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	for _, s := range servers {
		e, err := config.ParseServerURL(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --server: %w", err)
		}
		if !cipher.Supported(e.Method) {
			return nil, fmt.Errorf("invalid --server: %w: %q (have %s)", cipher.ErrUnsupportedMethod, e.Method, strings.Join(cipher.Methods(), ", "))
		}
		cfg.Servers = append(cfg.Servers, e)
	}

	if proxyURL != "" {
		p, err := config.ParseProxyURL(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid --proxy: %w", err)
		}
		cfg.Proxy = p
	}

	if chooser != "" {
		ch, err := config.NewChooser(chooser)
		if err != nil {
			return nil, fmt.Errorf("invalid --chooser: %w", err)
		}
		cfg.ChooserName = chooser
		cfg.RegisterChooser(ch)
	}

	if listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return nil, fmt.Errorf("invalid --socks5-listen: %w", err)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid --socks5-listen: bad port %q", port)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		cfg.LocalAddress = host
		cfg.LocalPort = uint16(n)
	}

	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
