package sca

import "github.com/knadh/scagateway/pkg/models"

// Event is an input to the operation state machine.
type Event string

const (
	// EvTrigger starts (or restarts) authentication of an operation.
	EvTrigger Event = "trigger"

	// EvChallengeVerified is a successful challenge validation.
	EvChallengeVerified Event = "challenge_verified"

	// EvChallengeRejected is any unsuccessful challenge validation: wrong
	// code, expired, already used or not found. There is no retry budget.
	EvChallengeRejected Event = "challenge_rejected"
)

// transitions is the forward-only status graph.
var transitions = map[models.Status]map[Event]models.Status{
	models.StatusCreated: {
		EvTrigger: models.StatusPending,
	},
	models.StatusPending: {
		EvTrigger:           models.StatusPending,
		EvChallengeVerified: models.StatusVerified,
		EvChallengeRejected: models.StatusFailed,
	},
}

// allStatuses is the order statuses are reported in by Sources.
var allStatuses = []models.Status{
	models.StatusCreated,
	models.StatusPending,
	models.StatusVerified,
	models.StatusFailed,
}

// Transition returns the status an operation moves to from the given status
// on the given event. ok is false if the event is not allowed there.
func Transition(from models.Status, ev Event, allowRetrigger bool) (models.Status, bool) {
	if to, ok := transitions[from][ev]; ok {
		return to, true
	}
	// Terminal operations may be triggered again.
	if allowRetrigger && ev == EvTrigger && from.Terminal() {
		return models.StatusPending, true
	}
	return from, false
}

// Sources returns every status from which the event is allowed. It is used
// as the precondition of conditional status writes.
func Sources(ev Event, allowRetrigger bool) []models.Status {
	var out []models.Status
	for _, s := range allStatuses {
		if _, ok := Transition(s, ev, allowRetrigger); ok {
			out = append(out, s)
		}
	}
	return out
}

// outcomeEvent maps a validation result to a state machine event.
func outcomeEvent(res models.ValidationResult) Event {
	if res.Success {
		return EvChallengeVerified
	}
	return EvChallengeRejected
}
