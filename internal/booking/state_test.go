package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttempt_Transitions(t *testing.T) {
	a := newAttempt()
	a.advance(StateEligibilityChecked)
	a.advance(StateSlotReserved)
	a.advance(StateRolledBack)

	assert.Equal(t, OutcomeRolledBack, a.outcome())
	assert.Equal(t, []State{StatePending, StateEligibilityChecked, StateSlotReserved, StateRolledBack}, a.trace)
}

func TestAttempt_IllegalTransitionsPanic(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"skip eligibility", []State{StateSlotReserved}},
		{"confirm without reserving", []State{StateEligibilityChecked, StateConfirmed}},
		{"roll back a rejection", []State{StateEligibilityChecked, StateRejected, StateRolledBack}},
		{"leave a terminal state", []State{StateEligibilityChecked, StateSlotReserved, StateConfirmed, StateRolledBack}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAttempt()
			assert.Panics(t, func() {
				for _, s := range tt.path {
					a.advance(s)
				}
			})
		})
	}
}

func TestAttempt_OutcomeOfUnresolvedAttemptPanics(t *testing.T) {
	a := newAttempt()
	a.advance(StateEligibilityChecked)
	assert.Panics(t, func() { a.outcome() })
}
