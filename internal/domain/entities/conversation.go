package entities

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced a conversation turn. It is a closed set: only
// RoleUser and RoleAssistant are valid on the wire.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid checks if the role is one of the defined constants.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	}
	return false
}

// UnmarshalJSON rejects roles outside the closed set.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	role := Role(s)
	if !role.IsValid() {
		return fmt.Errorf("invalid conversation role %q", s)
	}
	*r = role
	return nil
}

// ConversationTurn is one question or answer in a patient session.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an append-only log of turns for a single patient session.
// It is owned by exactly one session and is not safe for concurrent use; the
// session store serializes access.
type Conversation struct {
	turns []ConversationTurn
}

// NewConversation creates an empty conversation log.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a turn to the end of the log.
func (c *Conversation) Append(turn ConversationTurn) {
	c.turns = append(c.turns, turn)
}

// Len returns the number of turns recorded so far.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// History returns an immutable snapshot of all turns in append order.
func (c *Conversation) History() []ConversationTurn {
	snapshot := make([]ConversationTurn, len(c.turns))
	copy(snapshot, c.turns)
	return snapshot
}

// Truncate discards turns appended at or after the given length. Used to roll
// back a speculatively-appended exchange when generation fails, so the log
// never holds a user question without an answer.
func (c *Conversation) Truncate(length int) {
	if length < 0 {
		length = 0
	}
	if length < len(c.turns) {
		c.turns = c.turns[:length]
	}
}

// ReplayHistory returns the turns in the shape required by generation
// providers: alternating roles starting with user. Leading assistant turns
// (e.g. the intro message) are skipped and consecutive same-role turns are
// collapsed to the most recent one.
func (c *Conversation) ReplayHistory() []ConversationTurn {
	replay := make([]ConversationTurn, 0, len(c.turns))
	expected := RoleUser
	for _, turn := range c.turns {
		if !turn.Role.IsValid() {
			continue
		}
		if turn.Role != expected {
			if len(replay) > 0 && turn.Role == replay[len(replay)-1].Role {
				replay[len(replay)-1] = turn
			}
			continue
		}
		replay = append(replay, turn)
		if expected == RoleUser {
			expected = RoleAssistant
		} else {
			expected = RoleUser
		}
	}
	return replay
}
