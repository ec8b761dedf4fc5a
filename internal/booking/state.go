package booking

import "fmt"

type State string

const (
	StatePending            State = "PENDING"
	StateEligibilityChecked State = "ELIGIBILITY_CHECKED"
	StateSlotReserved       State = "SLOT_RESERVED"
	StateConfirmed          State = "CONFIRMED"
	StateRejected           State = "REJECTED"
	StateRolledBack         State = "ROLLED_BACK"
)

type Outcome string

const (
	OutcomeConfirmed  Outcome = "CONFIRMED"
	OutcomeRejected   Outcome = "REJECTED"
	OutcomeRolledBack Outcome = "ROLLED_BACK"
)

var transitions = map[State][]State{
	StatePending:            {StateEligibilityChecked},
	StateEligibilityChecked: {StateRejected, StateSlotReserved},
	StateSlotReserved:       {StateConfirmed, StateRolledBack},
}

// attempt tracks one reservation through its state machine.
type attempt struct {
	state State
	trace []State
}

func newAttempt() *attempt {
	return &attempt{state: StatePending, trace: []State{StatePending}}
}

// advance panics on an illegal transition: that is a coordinator bug, not a
// runtime condition.
func (a *attempt) advance(to State) {
	for _, next := range transitions[a.state] {
		if next == to {
			a.state = to
			a.trace = append(a.trace, to)
			return
		}
	}
	panic(fmt.Sprintf("booking: illegal transition %s -> %s", a.state, to))
}

func (a *attempt) outcome() Outcome {
	switch a.state {
	case StateConfirmed:
		return OutcomeConfirmed
	case StateRejected:
		return OutcomeRejected
	case StateRolledBack:
		return OutcomeRolledBack
	}
	panic(fmt.Sprintf("booking: attempt not resolved, state %s", a.state))
}
