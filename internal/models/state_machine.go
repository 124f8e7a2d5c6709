// Package models provides data structures and state management for trades.
package models

import (
	"fmt"
	"time"
)

// TradeState represents the lifecycle state of a trade
type TradeState string

const (
	// StatePending means the E1 entry limit is resting on the exchange, no fill yet
	StatePending TradeState = "PENDING"
	// StateOpen means E1 filled; signal-target TPs and DCA limits are live
	StateOpen TradeState = "OPEN"
	// StateDCAActive means at least one DCA filled; avg-based TPs are live
	StateDCAActive TradeState = "DCA_ACTIVE"
	// StateTrailing means all TPs are done (or consolidated away); the remainder
	// rides an exchange-side trailing stop
	StateTrailing TradeState = "TRAILING"
	// StateClosed is terminal
	StateClosed TradeState = "CLOSED"
)

// StateTransition defines a valid state transition
type StateTransition struct {
	From        TradeState
	To          TradeState
	Condition   string
	Description string
}

// ValidTransitions is the exhaustive transition table. Anything not listed
// here is rejected at runtime.
var ValidTransitions = []StateTransition{
	// Entry
	{StatePending, StateOpen, "entry_filled", "E1 limit filled"},
	{StatePending, StateClosed, "entry_timeout", "E1 not filled within timeout"},
	{StatePending, StateClosed, "batch_cap", "Batch fill cap reached, sibling cancelled"},
	{StatePending, StateClosed, "tp_already_hit", "Target hit before entry filled"},
	{StatePending, StateClosed, "entry_failed", "Entry order rejected"},
	{StatePending, StateClosed, "manual_close", "Operator cancelled pending entry"},

	// Averaging
	{StateOpen, StateDCAActive, "dca_filled", "First DCA level filled"},
	{StateDCAActive, StateDCAActive, "dca_filled", "Deeper DCA level filled"},

	// Profit taking
	{StateOpen, StateTrailing, "all_tps_filled", "Every TP leg filled"},
	{StateOpen, StateTrailing, "tps_consolidated", "All TPs below min qty, full position trails"},
	{StateDCAActive, StateTrailing, "all_tps_filled", "Every avg-based TP leg filled"},
	{StateDCAActive, StateTrailing, "tps_consolidated", "All avg-based TPs below min qty"},

	// Terminal closes from any live state
	{StateOpen, StateClosed, "position_closed", "Exchange position gone (SL, trailing, manual)"},
	{StateOpen, StateClosed, "manual_close", "Close signal or operator request"},
	{StateOpen, StateClosed, "trend_switch", "Trend reversed against the position"},
	{StateDCAActive, StateClosed, "position_closed", "Exchange position gone"},
	{StateDCAActive, StateClosed, "manual_close", "Close signal or operator request"},
	{StateDCAActive, StateClosed, "trend_switch", "Trend reversed against the position"},
	{StateTrailing, StateClosed, "position_closed", "Trailing stop fired"},
	{StateTrailing, StateClosed, "manual_close", "Close signal or operator request"},
	{StateTrailing, StateClosed, "trend_switch", "Trend reversed against the position"},
}

// StateMachine manages trade state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[TradeState]int
	currentState    TradeState
	previousState   TradeState
	maxDCAFills     int
}

// NewStateMachine creates a state machine starting at PENDING
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatePending)
}

// NewStateMachineFromState rebuilds a state machine at a persisted state.
// Used when deserializing a trade snapshot after restart.
func NewStateMachineFromState(state TradeState) *StateMachine {
	if state == "" {
		state = StatePending
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TradeState]int),
		maxDCAFills:     32, // effectively unbounded; manager enforces the real cap
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() TradeState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() TradeState {
	return sm.previousState
}

// SetMaxDCAFills caps how many dca_filled transitions the machine accepts
func (sm *StateMachine) SetMaxDCAFills(n int) {
	if n > 0 {
		sm.maxDCAFills = n
	}
}

// IsValidTransition checks if a transition is valid without performing it
func (sm *StateMachine) IsValidTransition(to TradeState, condition string) error {
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentState, to, condition)
	}
	if condition == "dca_filled" && sm.transitionCount[StateDCAActive] >= sm.maxDCAFills {
		return fmt.Errorf("maximum DCA fills (%d) exceeded", sm.maxDCAFills)
	}
	return nil
}

func (sm *StateMachine) isTransitionDefined(to TradeState, condition string) bool {
	for _, transition := range ValidTransitions {
		if transition.From != sm.currentState || transition.To != to {
			continue
		}
		if transition.Condition == "" || transition.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to TradeState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++

	return nil
}

// GetTransitionCount returns how many times the machine entered a state
func (sm *StateMachine) GetTransitionCount(state TradeState) int {
	return sm.transitionCount[state]
}

// IsTerminal returns true once the machine reached CLOSED
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed
}

// IsLive returns true for states holding exchange exposure
func (sm *StateMachine) IsLive() bool {
	return sm.currentState == StateOpen ||
		sm.currentState == StateDCAActive ||
		sm.currentState == StateTrailing
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePending:
		return "Entry limit resting on exchange, waiting for fill"
	case StateOpen:
		return "Entry filled, signal TPs and DCA ladder live"
	case StateDCAActive:
		return "Averaging down, avg-based TPs live"
	case StateTrailing:
		return "All TPs done, remainder on trailing stop"
	case StateClosed:
		return "Trade closed"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the state machine is internally coherent
func (sm *StateMachine) ValidateStateConsistency() error {
	totalTransitions := 0
	for _, count := range sm.transitionCount {
		totalTransitions += count
	}

	if totalTransitions == 0 {
		return nil
	}

	if sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}

	if sm.currentState == StateDCAActive && sm.transitionCount[StateDCAActive] == 0 {
		return fmt.Errorf("state is %s but no dca transitions recorded", sm.currentState)
	}

	if sm.transitionCount[StateDCAActive] > sm.maxDCAFills {
		return fmt.Errorf("DCA fill count %d exceeds maximum %d",
			sm.transitionCount[StateDCAActive], sm.maxDCAFills)
	}

	return nil
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
		maxDCAFills:    sm.maxDCAFills,
	}

	newSM.transitionCount = make(map[TradeState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}

	return newSM
}
