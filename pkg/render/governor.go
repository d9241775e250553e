package render

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxIterations is the loop-iteration budget shared by every loop evaluated
// during one render, including loops inside included templates.
const MaxIterations = 100000

// MaxIncludeDepth bounds nested template inclusion. The counter tracks stack
// depth only, so direct self-inclusion and mutual inclusion cycles hit the
// same ceiling.
const MaxIncludeDepth = 100

// errTimerFired marks cancellation caused by the governor's own timer, so the
// processor can tell an internal timeout apart from a caller-driven cancel.
var errTimerFired = errors.New("render: time budget exhausted")

// Governor carries the resource limits for a single render invocation: the
// loop-iteration budget, the include-depth budget, and a cancellation signal
// composed from the caller's context and an optional internal timer.
//
// A Governor has exactly one writer (the render that owns it) and must not be
// shared across renders.
type Governor struct {
	ctx    context.Context
	cancel context.CancelFunc

	iterations int
	depth      int
}

// NewGovernor derives the composed cancellation signal from parent and, when
// timeout is positive, an internal timer. A non-positive timeout leaves only
// the caller's signal in effect. Callers must Release the governor when the
// render finishes.
func NewGovernor(parent context.Context, timeout time.Duration) *Governor {
	if parent == nil {
		parent = context.Background()
	}

	g := &Governor{}
	if timeout > 0 {
		g.ctx, g.cancel = context.WithTimeoutCause(parent, timeout, errTimerFired)
	} else {
		g.ctx, g.cancel = context.WithCancel(parent)
	}
	return g
}

// Release stops the internal timer. Safe to call more than once.
func (g *Governor) Release() {
	if g.cancel != nil {
		g.cancel()
	}
}

// Interrupted reports the composed cancellation state. It returns nil while
// the render may continue, errTimerFired (wrapped) when the internal timer
// expired, and the plain context error when the caller's token canceled.
func (g *Governor) Interrupted() error {
	if g.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(g.ctx); errors.Is(cause, errTimerFired) {
		return fmt.Errorf("%w: %w", errTimerFired, g.ctx.Err())
	}
	return g.ctx.Err()
}

// StartIteration is consulted before every loop body evaluation. It first
// observes cancellation, then charges one iteration against the budget.
func (g *Governor) StartIteration() error {
	if err := g.Interrupted(); err != nil {
		return err
	}
	g.iterations++
	if g.iterations > MaxIterations {
		return fmt.Errorf("render: loop iteration limit of %d reached", MaxIterations)
	}
	return nil
}

// EnterInclude is consulted before control enters a nested template. Every
// successful EnterInclude must be paired with ExitInclude, including on
// failure paths, so depth accounting never leaks across failed renders.
func (g *Governor) EnterInclude() error {
	if err := g.Interrupted(); err != nil {
		return err
	}
	if g.depth >= MaxIncludeDepth {
		return fmt.Errorf("render: Nesting too deep, template include depth exceeds %d", MaxIncludeDepth)
	}
	g.depth++
	return nil
}

// ExitInclude undoes one EnterInclude.
func (g *Governor) ExitInclude() {
	if g.depth > 0 {
		g.depth--
	}
}

// TimedOut reports whether err originated from the governor's internal timer.
func TimedOut(err error) bool {
	return errors.Is(err, errTimerFired)
}
