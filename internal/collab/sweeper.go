package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// DefaultSweepInterval is how often stale typing indicators are evicted.
const DefaultSweepInterval = 30000 * time.Millisecond

// ErrSweeperRunning is returned by Start on a sweeper already running.
var ErrSweeperRunning = errors.New("sweeper already running")

// Sweeper periodically evicts typing indicators older than the timeout.
// Eviction triggers no broadcast; stale users simply drop out of the next
// TYPING_INDICATOR_UPDATE.
type Sweeper struct {
	store    *Store
	clock    Clock
	timeout  time.Duration
	interval time.Duration
	logger   logging.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a Sweeper. Non-positive durations fall back to
// DefaultTypingTimeout and DefaultSweepInterval.
func NewSweeper(store *Store, clock Clock, timeout, interval time.Duration, logger logging.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		clock:    clock,
		timeout:  timeout,
		interval: interval,
		logger:   logger.WithComponent("sweeper"),
	}
}

// Sweep removes every indicator whose age exceeds the timeout across all
// projects and returns how many were removed.
func (s *Sweeper) Sweep() int {
	nowMs := s.clock.Now().UnixMilli()
	timeoutMs := s.timeout.Milliseconds()

	removed := 0
	for _, id := range s.store.ProjectIDs() {
		ps, ok := s.store.Lookup(id)
		if !ok {
			continue
		}
		ps.mu.Lock()
		removed += ps.evictStaleLocked(nowMs, timeoutMs)
		ps.mu.Unlock()
	}
	if removed > 0 {
		s.logger.Debugw("evicted stale typing indicators", "count", removed)
	}
	return removed
}

// Start runs Sweep every interval until Stop is called. The returned
// function is the cancel handle and is equivalent to Stop.
func (s *Sweeper) Start() (stop func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil, ErrSweeperRunning
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh, s.doneCh = stopCh, doneCh
	ticker := s.clock.NewTicker(s.interval)

	go func() {
		defer close(doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.Sweep()
			case <-stopCh:
				return
			}
		}
	}()

	s.logger.Infow("sweeper started", "interval", s.interval, "timeout", s.timeout)
	return s.Stop, nil
}

// Stop halts a running sweeper and waits for its goroutine to exit.
// Stopping a sweeper that is not running is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	s.logger.Infow("sweeper stopped")
}
