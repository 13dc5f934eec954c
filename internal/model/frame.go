package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the "type" discriminator of a WebSocket frame
type FrameType string

const (
	TypeConnect             FrameType = "connect"
	TypeSendMessage         FrameType = "send_message"
	TypeUserTyping          FrameType = "user_typing"
	TypeUserStoppedTyping   FrameType = "user_stopped_typing"
	TypeChoreUpdate         FrameType = "chore_update"
	TypePing                FrameType = "ping"
	TypePong                FrameType = "pong"
	TypeNewMessage          FrameType = "new_message"
	TypeConnectionConfirmed FrameType = "connection_confirmed"
	TypeMessageError        FrameType = "message_error"
)

var (
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required field")
)

// Frame is one JSON message exchanged over the socket. The set of
// implementations is closed; switch on the concrete type.
type Frame interface {
	Type() FrameType
	validate() error
}

// Connect binds a socket to a user and a scope
type Connect struct {
	UserID string `json:"userId"`
	Scope
}

// SendMessage asks the server to persist and broadcast a chat message
type SendMessage struct {
	Content string `json:"content"`
	Scope
	UserID          string `json:"userId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// TypingSignal is the shared shape of the typing frames
type TypingSignal struct {
	Scope
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// UserTyping announces that a user is typing
type UserTyping struct{ TypingSignal }

// UserStoppedTyping announces that a user stopped typing
type UserStoppedTyping struct{ TypingSignal }

// ChoreUpdate is a pass-through invalidation signal for chore screens
type ChoreUpdate struct {
	Scope
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ping is the application-level heartbeat request
type Ping struct{}

// Pong answers a Ping
type Pong struct{}

// NewMessage pushes a persisted message to a scope
type NewMessage struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId,omitempty"`
}

// ConnectionConfirmed acknowledges a Connect frame
type ConnectionConfirmed struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Scope
}

// MessageError reports a failure to the sending socket only. A rejected
// send_message carries the clientMessageId it was sent with.
type MessageError struct {
	Error           string `json:"error"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func (Connect) Type() FrameType             { return TypeConnect }
func (SendMessage) Type() FrameType         { return TypeSendMessage }
func (UserTyping) Type() FrameType          { return TypeUserTyping }
func (UserStoppedTyping) Type() FrameType   { return TypeUserStoppedTyping }
func (ChoreUpdate) Type() FrameType         { return TypeChoreUpdate }
func (Ping) Type() FrameType                { return TypePing }
func (Pong) Type() FrameType                { return TypePong }
func (NewMessage) Type() FrameType          { return TypeNewMessage }
func (ConnectionConfirmed) Type() FrameType { return TypeConnectionConfirmed }
func (MessageError) Type() FrameType        { return TypeMessageError }

func (f Connect) validate() error {
	if f.UserID == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	if f.Scope.IsZero() {
		return fmt.Errorf("%w: householdId or conversationId", ErrMissingField)
	}
	return nil
}

func (f SendMessage) validate() error {
	if f.Content == "" {
		return fmt.Errorf("%w: content", ErrMissingField)
	}
	return nil
}

func (f TypingSignal) validate() error {
	if f.UserID == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	return nil
}

func (ChoreUpdate) validate() error { return nil }
func (Ping) validate() error        { return nil }
func (Pong) validate() error        { return nil }

func (f NewMessage) validate() error {
	if f.Message.ID == "" {
		return fmt.Errorf("%w: message.id", ErrMissingField)
	}
	return nil
}

func (f ConnectionConfirmed) validate() error {
	if f.ConnectionID == "" {
		return fmt.Errorf("%w: connectionId", ErrMissingField)
	}
	return nil
}

func (f MessageError) validate() error {
	if f.Error == "" {
		return fmt.Errorf("%w: error", ErrMissingField)
	}
	return nil
}

// newFrame returns an empty frame for a discriminator.
func newFrame(t FrameType) (Frame, error) {
	switch t {
	case TypeConnect:
		return &Connect{}, nil
	case TypeSendMessage:
		return &SendMessage{}, nil
	case TypeUserTyping:
		return &UserTyping{}, nil
	case TypeUserStoppedTyping:
		return &UserStoppedTyping{}, nil
	case TypeChoreUpdate:
		return &ChoreUpdate{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeNewMessage:
		return &NewMessage{}, nil
	case TypeConnectionConfirmed:
		return &ConnectionConfirmed{}, nil
	case TypeMessageError:
		return &MessageError{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, t)
}

// Decode parses one frame. The returned Frame is a value (not a pointer)
// of one of the types in this file.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	ptr, err := newFrame(head.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", head.Type, err)
	}

	f := deref(ptr)
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", head.Type, err)
	}
	return f, nil
}

func deref(f Frame) Frame {
	switch v := f.(type) {
	case *Connect:
		return *v
	case *SendMessage:
		return *v
	case *UserTyping:
		return *v
	case *UserStoppedTyping:
		return *v
	case *ChoreUpdate:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *NewMessage:
		return *v
	case *ConnectionConfirmed:
		return *v
	case *MessageError:
		return *v
	}
	return f
}

// Encode serializes a frame with its "type" discriminator first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	tag, err := json.Marshal(f.Type())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
