package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/die-net/sslocal/internal/socks5"
)

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{name: "nil", err: nil, want: ResultGood},
		{name: "closed", err: ErrClosed, want: ResultGood},
		{name: "short_record", err: &ProtocolLengthError{State: StateInit, Got: 1}, want: ResultDataLength},
		{name: "bad_address", err: &AddressParseError{Err: socks5.ErrAddress}, want: ResultParseAddress},
		{name: "bind", err: &UnsupportedCommandError{Command: 0x02}, want: ResultNoCommand},
		{name: "udp_associate", err: &UnsupportedCommandError{Command: 0x03}, want: ResultUnsupportedCommand},
		{name: "version", err: &UnsupportedVersionError{Version: 4}, want: ResultUnsupportedVersion},
		{name: "local_eof", err: sideError(Local, io.EOF), want: ResultCloseLocal},
		{name: "remote_eof", err: sideError(Remote, io.EOF), want: ResultCloseRemote},
		{name: "local_deadline", err: sideError(Local, os.ErrDeadlineExceeded), want: ResultTimeoutLocal},
		{name: "remote_deadline", err: sideError(Remote, os.ErrDeadlineExceeded), want: ResultTimeoutRemote},
		{name: "local_reset", err: sideError(Local, syscall.ECONNRESET), want: ResultOtherLocal},
		{name: "remote_reset", err: sideError(Remote, syscall.ECONNRESET), want: ResultOtherRemote},
		{name: "idle", err: ErrIdleTimeout, want: ResultIdleTimeout},
		{name: "no_endpoint", err: ErrNoEndpoint, want: ResultNoEndpoint},
		{name: "wrapped", err: fmt.Errorf("relay: %w", ErrNoEndpoint), want: ResultNoEndpoint},
		{name: "unknown", err: errors.New("boom"), want: ResultOtherLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultOf(tt.err); got != tt.want {
				t.Fatalf("ResultOf(%v)=%v want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestResultCodes(t *testing.T) {
	// The first ten codes are stable numeric values.
	codes := []Result{
		ResultGood, ResultDataLength, ResultParseAddress, ResultNoCommand,
		ResultCloseRemote, ResultCloseLocal, ResultTimeoutRemote,
		ResultTimeoutLocal, ResultOtherRemote, ResultOtherLocal,
	}
	for i, r := range codes {
		if int(r) != i {
			t.Fatalf("%v=%d want %d", r, int(r), i)
		}
	}

	for _, r := range []Result{ResultGood, ResultCloseLocal, ResultCloseRemote} {
		if !r.Orderly() {
			t.Fatalf("%v should be orderly", r)
		}
	}
	if ResultTimeoutRemote.Orderly() {
		t.Fatal("timeout should not be orderly")
	}
	if got := Result(99).String(); got != "result(99)" {
		t.Fatalf("String()=%q", got)
	}
}

func TestSideErrorUnwrap(t *testing.T) {
	err := sideError(Remote, syscall.ECONNREFUSED)
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("%v does not wrap ECONNREFUSED", err)
	}
	if err.Error() != "remote: "+syscall.ECONNREFUSED.Error() {
		t.Fatalf("Error()=%q", err.Error())
	}
}

func TestLogObserverFinished(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		result  Result
		err     error
		level   zapcore.Level
		message string
	}{
		{name: "orderly", verbose: true, result: ResultCloseLocal, err: &PeerClosedError{Side: Local}, level: zapcore.DebugLevel, message: "finished"},
		{name: "failure_quiet", result: ResultOtherRemote, err: errors.New("boom"), level: zapcore.DebugLevel, message: "finished"},
		{name: "failure_verbose", verbose: true, result: ResultOtherRemote, err: errors.New("boom"), level: zapcore.WarnLevel, message: "connection failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			client, server := net.Pipe()
			defer client.Close()
			h := NewHandler(ctx, Config{Logger: zap.New(core)}, server)
			defer h.Close()

			LogObserver{Verbose: tt.verbose}.Finished(h, tt.result, tt.err)

			entries := logs.FilterMessage(tt.message).All()
			if len(entries) != 1 {
				t.Fatalf("got %d %q entries", len(entries), tt.message)
			}
			if entries[0].Level != tt.level {
				t.Fatalf("level=%v want %v", entries[0].Level, tt.level)
			}
			if got := entries[0].ContextMap()["result"]; got != tt.result.String() {
				t.Fatalf("result field=%v", got)
			}
		})
	}
}

func TestStatsObserver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, server := net.Pipe()
	defer client.Close()
	h := NewHandler(ctx, Config{}, server)
	defer h.Close()

	var s Stats
	obs := Observers{&s, NopObserver{}}
	obs.Accepted(h)
	obs.Accepted(h)
	obs.Connected(h, 25*time.Millisecond)
	obs.BytesRead(h, 10)
	obs.BytesWritten(h, 20)
	obs.Finished(h, ResultCloseRemote, nil)
	obs.Finished(h, ResultTimeoutRemote, nil)

	want := StatsSnapshot{
		Accepted:     2,
		Active:       0,
		Finished:     2,
		Failed:       1,
		BytesRead:    10,
		BytesWritten: 20,
		LastLatency:  25 * time.Millisecond,
	}
	if got := s.Snapshot(); got != want {
		t.Fatalf("snapshot=%+v want %+v", got, want)
	}
}
