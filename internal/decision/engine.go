package decision

import (
	"sync"
	"time"

	"github.com/bilal/edr-agent/internal/clock"
)

// LinkState tracks whether the relay collector is reachable.
type LinkState string

const (
	Online     LinkState = "ONLINE"
	Buffering  LinkState = "BUFFERING"
	Recovering LinkState = "RECOVERING"
)

var States = []LinkState{Online, Buffering, Recovering}

// Engine turns individual delivery outcomes into link state transitions.
// A move into Recovering means queued envelopes should be replayed now.
type Engine struct {
	mu sync.Mutex

	state          LinkState
	lastTransition time.Time
	cooldown       time.Duration
	clock          clock.Clock
}

func NewEngine(cooldown time.Duration, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		state:    Online,
		cooldown: cooldown,
		clock:    clk,
	}
}

func (e *Engine) State() LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Observe records one delivery outcome and returns the resulting state.
func (e *Engine) Observe(delivered bool) LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	if !delivered {
		if e.state != Buffering {
			e.state = Buffering
			e.lastTransition = now
		}
		return e.state
	}

	switch e.state {
	case Buffering:
		// Prevent replay storms on a flapping link.
		if now.Sub(e.lastTransition) < e.cooldown {
			return e.state
		}
		e.state = Recovering
		e.lastTransition = now

	case Recovering:
		e.state = Online
		e.lastTransition = now
	}

	return e.state
}
