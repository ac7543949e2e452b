package transport

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/pslog"
)

// Failure reasons recorded by the guard.
const (
	ReasonHandshake    = "tls_handshake"
	ReasonEmptyRequest = "empty_request"
)

// Defaults applied when GuardConfig leaves a duration unset.
const (
	DefaultGuardWindow = 30 * time.Second
	DefaultGuardBlock  = 5 * time.Minute
)

// GuardConfig controls per-remote blocking of peers that keep failing before
// a request is read.
type GuardConfig struct {
	// Enabled toggles enforcement.
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// triggers a block. Zero disables blocking.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked remote stays blocked.
	BlockDuration time.Duration
}

type remoteState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    GuardConfig
	logger pslog.Logger
	now    func() time.Time

	mu      sync.Mutex
	remotes map[string]*remoteState
}

// NewGuard returns a guard with defaults applied to unset durations.
func NewGuard(cfg GuardConfig, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultGuardWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultGuardBlock
	}
	return &Guard{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "transport.guard"),
		now:     time.Now,
		remotes: make(map[string]*remoteState),
	}
}

// Failure records a failure for remote and reports whether the remote is
// now blocked.
func (g *Guard) Failure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := remoteHost(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.remotes[host]
	if state == nil {
		state = &remoteState{}
		g.remotes[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	kept := state.failures[:0]
	for _, at := range state.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	state.failures = append(kept, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("cpfd.guard.failure",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("cpfd.guard.blocked",
		"remote", host,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared as a side effect.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := remoteHost(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.remotes[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	if len(state.failures) == 0 {
		delete(g.remotes, host)
	}
	g.logger.Info("cpfd.guard.released", "remote", host)
	return false
}

// Tracked returns the number of remotes with recorded state.
func (g *Guard) Tracked() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.remotes)
}

func remoteHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
