package agent

import (
	"fmt"
	"strings"

	"github.com/palaver-dev/palaver/pkg/models"
)

// maxContextMessages caps how much history is replayed into a turn. The
// runtime session carries older context via resume.
const maxContextMessages = 50

// speakerLabel names the author of a message for the transcript.
func speakerLabel(m models.Message) string {
	if m.ParticipantName != nil && *m.ParticipantName != "" {
		return *m.ParticipantName
	}
	if m.Role == models.RoleUser {
		return "User"
	}
	return "System"
}

// BuildConversationContext renders the messages an agent has not yet seen
// into the user-turn prompt. Adjacent duplicate contents are collapsed, the
// transcript is truncated to the most recent entries, and an instruction
// tail steers the reply depending on the room shape.
func BuildConversationContext(agent models.Agent, msgs []models.Message, userMessage string, agentCount int) string {
	var lines []string
	prevContent := ""
	for _, m := range msgs {
		if m.Content == prevContent {
			continue
		}
		prevContent = m.Content
		lines = append(lines, fmt.Sprintf("%s: %s", speakerLabel(m), m.Content))
	}
	if len(lines) > maxContextMessages {
		lines = lines[len(lines)-maxContextMessages:]
	}
	if userMessage != "" {
		lines = append(lines, fmt.Sprintf("User: %s", userMessage))
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
	b.WriteString(instructionTail(agent, msgs, agentCount))
	return b.String()
}

// oneOnOne reports whether the conversation is a plain two-party chat:
// a single agent talking to the user, with no situation-builder narration
// in the window.
func oneOnOne(msgs []models.Message, agentCount int) bool {
	if agentCount != 1 {
		return false
	}
	for _, m := range msgs {
		if m.ParticipantType != nil && *m.ParticipantType == models.ParticipantSituationBuilder {
			return false
		}
	}
	return true
}

func instructionTail(agent models.Agent, msgs []models.Message, agentCount int) string {
	if oneOnOne(msgs, agentCount) {
		return fmt.Sprintf(
			"Reply as %s, speaking directly to the user. Stay in character and keep the conversational register established above.",
			agent.Name)
	}
	return fmt.Sprintf(
		"You are %s in a group conversation. Respond only if you have something to add; if not, use your skip tool. Do not speak for other participants.",
		agent.Name)
}
