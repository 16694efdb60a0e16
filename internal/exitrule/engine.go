// Package exitrule evaluates fixed and trailing profit-target exits.
//
// Both modes run through the same code path: a fixed policy is a trailing
// policy whose levels never move and which has no stop leg.
package exitrule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dhan-autoexit/internal/model"
)

// Mode selects the exit policy.
type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeTrailing Mode = "trailing"
)

// ParseMode accepts "fixed" or "trailing".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModeTrailing:
		return Mode(s), nil
	}
	return "", fmt.Errorf("exit mode %q: want fixed or trailing", s)
}

// Policy configures the engine. Distance is the target offset in fixed mode
// and the target/stop spacing in trailing mode.
type Policy struct {
	Mode     Mode
	Distance decimal.Decimal
}

func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if !p.Distance.IsPositive() {
		return fmt.Errorf("exit distance must be > 0, got %s", p.Distance)
	}
	return nil
}

// Reason names the condition that fired.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTargetHit Reason = "target_hit"
	ReasonStopHit   Reason = "stop_hit"
)

// TrailingState is the engine-owned record for one position.
// While Armed and HasStop, Target - Stop stays at 2*Distance: both legs start
// Distance away from the entry and move by the same delta.
type TrailingState struct {
	Armed   bool            `json:"armed"`
	Entry   decimal.Decimal `json:"entry"`
	Target  decimal.Decimal `json:"target"`
	Stop    decimal.Decimal `json:"stop"`
	HasStop bool            `json:"has_stop"`
	High    decimal.Decimal `json:"high"`
	Created time.Time       `json:"created"`
}

// Decision is the result of one evaluation.
type Decision struct {
	Key       model.InstrumentKey
	Evaluated bool // false when the price was missing
	Exit      bool
	Reason    Reason
	Price     decimal.Decimal
	Ratcheted bool
	State     TrailingState // levels after ratcheting
}

// Engine owns the TrailingState map. It is not safe for concurrent use; the
// monitoring loop is its only caller.
type Engine struct {
	policy Policy
	states map[model.InstrumentKey]*TrailingState
	now    func() time.Time
}

func NewEngine(p Policy) *Engine {
	return &Engine{
		policy: p,
		states: make(map[model.InstrumentKey]*TrailingState),
		now:    time.Now,
	}
}

func (e *Engine) Policy() Policy { return e.policy }

// Evaluate applies the policy to pos at price. ok=false means the price is
// unknown this tick: nothing is created or changed and no exit fires.
func (e *Engine) Evaluate(pos model.Position, price decimal.Decimal, ok bool) Decision {
	key := pos.Key()
	dec := Decision{Key: key}
	if !ok {
		if st, found := e.states[key]; found {
			dec.State = *st
		}
		return dec
	}
	dec.Evaluated = true
	dec.Price = price

	st, found := e.states[key]
	if !found || !st.Armed {
		st = e.arm(pos.AvgPrice)
		e.states[key] = st
	}

	if e.policy.Mode == ModeTrailing && price.GreaterThan(st.Target) {
		delta := price.Sub(st.Target)
		st.Target = st.Target.Add(delta)
		st.Stop = st.Stop.Add(delta)
		dec.Ratcheted = true
	}
	if price.GreaterThan(st.High) {
		st.High = price
	}

	// A tick that moved the levels is a new high-water mark; the trail
	// follows it instead of exiting.
	switch {
	case !dec.Ratcheted && price.GreaterThanOrEqual(st.Target):
		dec.Exit, dec.Reason = true, ReasonTargetHit
	case st.HasStop && price.LessThanOrEqual(st.Stop):
		dec.Exit, dec.Reason = true, ReasonStopHit
	}
	dec.State = *st
	return dec
}

func (e *Engine) arm(entry decimal.Decimal) *TrailingState {
	st := &TrailingState{
		Armed:   true,
		Entry:   entry,
		Target:  entry.Add(e.policy.Distance),
		High:    entry,
		Created: e.now(),
	}
	if e.policy.Mode == ModeTrailing {
		st.Stop = entry.Sub(e.policy.Distance)
		st.HasStop = true
	}
	return st
}

// Disarm clears the state for key once its exit has been handed off, so a
// later position reusing the id starts fresh.
func (e *Engine) Disarm(key model.InstrumentKey) {
	delete(e.states, key)
}

// Retain drops state for every key not in keep.
func (e *Engine) Retain(keep map[model.InstrumentKey]struct{}) {
	for k := range e.states {
		if _, ok := keep[k]; !ok {
			delete(e.states, k)
		}
	}
}

// State returns a copy of the state for key.
func (e *Engine) State(key model.InstrumentKey) (TrailingState, bool) {
	st, ok := e.states[key]
	if !ok {
		return TrailingState{}, false
	}
	return *st, true
}

// Len reports how many positions have state.
func (e *Engine) Len() int { return len(e.states) }
