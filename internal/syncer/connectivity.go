package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connectivity is the client's view of whether the server is reachable.
// Changes delivers the new state whenever it flips; only the latest
// value is kept for slow readers.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// Switch is a Connectivity driven by explicit Set calls.
type Switch struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func NewSwitch(online bool) *Switch {
	return &Switch{online: online, changes: make(chan bool, 1)}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Switch) Changes() <-chan bool {
	return s.changes
}

// Set records the state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online

	select {
	case <-s.changes:
	default:
	}
	s.changes <- online
	return true
}

// Pinger is satisfied by client.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthWatcher polls the server health endpoint and flips its Switch.
type HealthWatcher struct {
	*Switch
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// NewHealthWatcher starts offline until the first successful check.
func NewHealthWatcher(pinger Pinger, interval time.Duration, logger *zerolog.Logger) *HealthWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "connectivity").Logger()
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HealthWatcher{
		Switch:   NewSwitch(false),
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Check pings once and updates the state.
func (w *HealthWatcher) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.pinger.Ping(ctx)
	online := err == nil
	if w.Set(online) {
		if online {
			w.log.Info().Msg("server reachable")
		} else {
			w.log.Warn().Err(err).Msg("server unreachable")
		}
	}
	return online
}

// Run checks immediately and then every interval until ctx is done.
func (w *HealthWatcher) Run(ctx context.Context) {
	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
