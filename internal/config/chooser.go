package config

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/die-net/sslocal/internal/socks5"
)

// Chooser picks a relay for each new connection. Implementations must be
// safe for concurrent use.
type Chooser interface {
	Choose(dest socks5.Address, hint int, servers []ServerEndpoint) ServerEndpoint
}

// LatencyRecorder is implemented by choosers that learn from connect latency.
type LatencyRecorder interface {
	RecordLatency(e ServerEndpoint, d time.Duration)
}

// FailureRecorder is implemented by choosers that learn from failed dials.
type FailureRecorder interface {
	RecordFailure(e ServerEndpoint)
}

// FailurePenalty is the latency sample a LatencyChooser records for a relay
// that could not be reached.
const FailurePenalty = time.Minute

// NewChooser returns the chooser for name. The empty name returns nil, which
// leaves selection to Configuration.ServerIndex.
func NewChooser(name string) (Chooser, error) {
	switch name {
	case "":
		return nil, nil
	case "index":
		return IndexChooser{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "latency":
		return NewLatencyChooser(), nil
	default:
		return nil, fmt.Errorf("unknown chooser %q (want index, round-robin or latency)", name)
	}
}

// IndexChooser always picks the server at the hint, or the first server when
// the hint is out of range.
type IndexChooser struct{}

func (IndexChooser) Choose(_ socks5.Address, hint int, servers []ServerEndpoint) ServerEndpoint {
	return byIndex(servers, hint)
}

// RoundRobin cycles through the servers, starting at the index hint.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Choose(_ socks5.Address, hint int, servers []ServerEndpoint) ServerEndpoint {
	if len(servers) == 0 {
		return DefaultServerEndpoint()
	}
	n := r.next.Inc() - 1
	start := max(hint, 0)
	return servers[(uint64(start)+n)%uint64(len(servers))]
}

// LatencyChooser prefers the server with the lowest smoothed connect latency.
// Servers that have never been measured are tried first. A failed dial is
// recorded as a FailurePenalty sample, so an unreachable server falls behind
// every server that answers.
type LatencyChooser struct {
	mu  sync.Mutex
	avg map[string]time.Duration
}

func NewLatencyChooser() *LatencyChooser {
	return &LatencyChooser{avg: make(map[string]time.Duration)}
}

func (l *LatencyChooser) Choose(_ socks5.Address, hint int, servers []ServerEndpoint) ServerEndpoint {
	if len(servers) == 0 {
		return DefaultServerEndpoint()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	var bestAvg time.Duration
	for i, s := range servers {
		avg, ok := l.avg[s.Addr()]
		if !ok {
			return s
		}
		if best < 0 || avg < bestAvg {
			best, bestAvg = i, avg
		}
	}
	if best < 0 {
		return byIndex(servers, hint)
	}
	return servers[best]
}

func (l *LatencyChooser) RecordLatency(e ServerEndpoint, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := e.Addr()
	if prev, ok := l.avg[key]; ok {
		d = (3*prev + d) / 4
	}
	l.avg[key] = d
}

func (l *LatencyChooser) RecordFailure(e ServerEndpoint) {
	l.RecordLatency(e, FailurePenalty)
}

// Latency returns the smoothed latency recorded for e.
func (l *LatencyChooser) Latency(e ServerEndpoint) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.avg[e.Addr()]
	return d, ok
}
