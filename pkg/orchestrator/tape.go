// Package orchestrator drives multi-agent rounds: it decides who speaks in
// what order (the tape), runs turns through the generator, and handles
// interruption when the user speaks over an in-flight round.
package orchestrator

import (
	"sort"

	"github.com/palaver-dev/palaver/pkg/models"
)

// TurnDescriptor is one scheduled turn within a round.
type TurnDescriptor struct {
	Agent      models.Agent
	IsFollowUp bool
	RoundIndex int
}

// sortByPriority orders agents priority-descending, keeping insertion
// order among equals.
func sortByPriority(agents []models.Agent) []models.Agent {
	out := append([]models.Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// BuildInitialTape schedules every agent of the room for round zero.
func BuildInitialTape(agents []models.Agent) []TurnDescriptor {
	var tape []TurnDescriptor
	for _, a := range sortByPriority(agents) {
		tape = append(tape, TurnDescriptor{Agent: a, RoundIndex: 0})
	}
	return tape
}

// BuildFollowUpTape schedules the agents with something to react to: those
// for whom some other agent produced a non-transparent response in the
// previous round, plus the always-interrupt agents.
func BuildFollowUpTape(agents []models.Agent, responders map[int64]bool, round int) []TurnDescriptor {
	var tape []TurnDescriptor
	for _, a := range sortByPriority(agents) {
		if !a.InterruptEveryTurn && !hasOtherResponder(responders, a.ID) {
			continue
		}
		tape = append(tape, TurnDescriptor{Agent: a, IsFollowUp: true, RoundIndex: round})
	}
	return tape
}

func hasOtherResponder(responders map[int64]bool, agentID int64) bool {
	for id := range responders {
		if id != agentID {
			return true
		}
	}
	return false
}
