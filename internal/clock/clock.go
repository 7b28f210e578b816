// Package clock lets schedulers run against real time in production and
// against a manually advanced clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker behaves like time.NewTicker and panics on d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C. C has capacity 1; slow readers miss ticks.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
