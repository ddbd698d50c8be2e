package collab

import "time"

// Clock abstracts the time source so sweeps, typing timestamps and
// generation delays can be stepped deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current time
	// on the returned channel.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker firing every d. d must be greater than zero.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the sweeper needs.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type standardClock struct{}

// NewStandardClock returns a Clock backed by the time package.
func NewStandardClock() Clock { return standardClock{} }

func (standardClock) Now() time.Time                         { return time.Now() }
func (standardClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (standardClock) NewTicker(d time.Duration) Ticker {
	return &standardTicker{t: time.NewTicker(d)}
}

type standardTicker struct{ t *time.Ticker }

func (s *standardTicker) Chan() <-chan time.Time { return s.t.C }
func (s *standardTicker) Stop()                  { s.t.Stop() }
