package model

import "time"

// Profile is the denormalized author data attached to a message
type Profile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Message represents a persisted chat message
type Message struct {
	ID string `json:"id"`
	Scope
	UserID          string    `json:"userId"`
	Content         string    `json:"content"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	User            *Profile  `json:"user,omitempty"`
}

// Scope identifies the broadcast group a message or connection belongs to.
// A conversation id takes precedence over a household id.
type Scope struct {
	HouseholdID    string `json:"householdId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HouseholdScope returns the scope of a household's default chat.
func HouseholdScope(id string) Scope { return Scope{HouseholdID: id} }

// ConversationScope returns the scope of a conversation.
func ConversationScope(id string) Scope { return Scope{ConversationID: id} }

// IsZero reports whether neither id is set.
func (s Scope) IsZero() bool {
	return s.HouseholdID == "" && s.ConversationID == ""
}

// Key is the registry group key. Household and conversation ids live in
// separate namespaces.
func (s Scope) Key() string {
	switch {
	case s.ConversationID != "":
		return "conversation:" + s.ConversationID
	case s.HouseholdID != "":
		return "household:" + s.HouseholdID
	default:
		return ""
	}
}

// Normalize drops the household id when a conversation id is present.
func (s Scope) Normalize() Scope {
	if s.ConversationID != "" {
		return Scope{ConversationID: s.ConversationID}
	}
	return s
}

func (s Scope) String() string { return s.Key() }
