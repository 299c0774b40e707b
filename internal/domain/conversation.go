// Package domain contains core domain types for the askdb application.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who authored a turn.
type Speaker string

const (
	// SpeakerUser is the human asking questions.
	SpeakerUser Speaker = "user"
	// SpeakerAgent is the query agent answering them.
	SpeakerAgent Speaker = "agent"
)

// Turn is one message in a conversation. Turns are values and never change
// after they are appended.
type Turn struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn creates a turn stamped with a fresh ID and the current time.
func NewTurn(speaker Speaker, text string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// Conversation is the ordered, append-only history of one session.
// Turns are only ever added as a user turn followed by its agent reply.
type Conversation struct {
	turns []Turn
}

// AppendExchange appends a user turn and the agent turn that answers it.
func (c *Conversation) AppendExchange(user, agent Turn) {
	user.Speaker = SpeakerUser
	agent.Speaker = SpeakerAgent
	c.turns = append(c.turns, user, agent)
}

// Turns returns a copy of the conversation in insertion order.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}
