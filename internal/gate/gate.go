// Package gate implements the upstream availability state machine.
//
// A gate starts in Loading(0). A successful probe moves it to Ready. A failed
// probe moves it to Loading(attempt+1) until maxRetries failures have been
// seen, at which point it becomes Unreachable. Ready and Unreachable are
// terminal; only Reset re-enters Loading(0).
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ode-proxy-go/internal/model"
)

// Phase is the coarse gate state.
type Phase int

const (
	Loading Phase = iota
	Ready
	Unreachable
)

func (p Phase) String() string {
	switch p {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

// MarshalText lets a Phase appear by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of the gate.
type State struct {
	Phase Phase `json:"phase"`
	// Attempt counts failed probes so far; meaningful while Loading.
	Attempt int `json:"attempt"`
	// LastError is the cause of the final failure once Unreachable.
	LastError string `json:"last_error,omitempty"`
}

// Terminal reports whether no further probing will change the state.
func (s State) Terminal() bool {
	return s.Phase != Loading
}

// Prober performs a single liveness check.
type Prober interface {
	Check(ctx context.Context) model.ProbeResult
}

// Gate is safe for concurrent use.
type Gate struct {
	maxRetries int
	interval   time.Duration

	mu       sync.RWMutex
	state    State
	onChange func(State)
}

// New returns a gate in Loading(0). maxRetries below 1 is treated as 1.
func New(maxRetries int, interval time.Duration) *Gate {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Gate{
		maxRetries: maxRetries,
		interval:   interval,
		state:      State{Phase: Loading},
	}
}

// OnChange registers fn to be called after every state transition.
func (g *Gate) OnChange(fn func(State)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// MaxRetries returns the failure budget.
func (g *Gate) MaxRetries() int { return g.maxRetries }

// Interval returns the fixed delay between probes.
func (g *Gate) Interval() time.Duration { return g.interval }

// State returns the current state.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Observe applies one probe outcome and returns the new state. It is a
// no-op once the gate is terminal.
func (g *Gate) Observe(res model.ProbeResult) State {
	g.mu.Lock()
	prev := g.state
	next := transition(prev, res, g.maxRetries)
	g.state = next
	fn := g.onChange
	g.mu.Unlock()

	if fn != nil && next != prev {
		fn(next)
	}
	return next
}

// Reset re-enters Loading(0), as an explicit reload does.
func (g *Gate) Reset() {
	initial := State{Phase: Loading}

	g.mu.Lock()
	prev := g.state
	g.state = initial
	fn := g.onChange
	g.mu.Unlock()

	if fn != nil && prev != initial {
		fn(initial)
	}
}

func transition(s State, res model.ProbeResult, maxRetries int) State {
	if s.Terminal() {
		return s
	}
	if res.OK {
		return State{Phase: Ready}
	}
	failures := s.Attempt + 1
	if failures < maxRetries {
		return State{Phase: Loading, Attempt: failures}
	}
	msg := res.Message
	if msg == "" {
		msg = "upstream unavailable"
	}
	return State{Phase: Unreachable, Attempt: failures, LastError: msg}
}

// errStillLoading tells the retry loop to wait and probe again.
var errStillLoading = errors.New("upstream not ready")

// Run probes with a fixed backoff until the gate is terminal or ctx is done,
// and returns the last state.
func (g *Gate) Run(ctx context.Context, p Prober) State {
	if s := g.State(); s.Terminal() {
		return s
	}

	op := func() (State, error) {
		res := p.Check(ctx)
		if err := ctx.Err(); err != nil {
			// A probe cut short by shutdown says nothing about the upstream.
			return g.State(), backoff.Permanent(err)
		}
		s := g.Observe(res)
		switch s.Phase {
		case Ready:
			return s, nil
		case Unreachable:
			return s, backoff.Permanent(errors.New(s.LastError))
		}
		return s, errStillLoading
	}

	_, _ = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(g.interval)),
		backoff.WithMaxTries(uint(g.maxRetries)),
		// maxRetries alone bounds the run.
		backoff.WithMaxElapsedTime(0),
	)
	return g.State()
}
