package models

// TurnOutcome is the explicit result of one agent turn. Cancellation and
// skipping are values, not errors — control flow stays visible to the tape
// loop.
type TurnOutcome string

const (
	TurnResponded TurnOutcome = "responded"
	TurnSkipped   TurnOutcome = "skipped"
	TurnCancelled TurnOutcome = "cancelled"
	TurnErrored   TurnOutcome = "errored"
)

// Produced reports whether the turn yielded a persisted assistant message.
func (o TurnOutcome) Produced() bool { return o == TurnResponded }
