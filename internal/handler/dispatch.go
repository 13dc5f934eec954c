package handler

import (
	"context"
	"errors"
	"log"

	"myroommate/internal/model"
	"myroommate/internal/registry"
)

// handleFrame runs one inbound frame. Errors stay local to the frame; the
// socket keeps reading.
func (h *Handler) handleFrame(ctx context.Context, c *connection, data []byte) {
	f, err := model.Decode(data)
	if err != nil {
		log.Printf("[WebSocket] ❌ Dropped malformed frame from %s: %v", c.id, err)
		return
	}

	switch f := f.(type) {
	case model.Connect:
		h.onConnect(ctx, c, f)
		return
	case model.Ping:
		c.Send(model.Pong{})
		return
	}

	b, ok := h.Registry.Lookup(c)
	if !ok {
		log.Printf("[WebSocket] ❌ %s frame before connect on %s", f.Type(), c.id)
		c.Send(model.MessageError{Error: "not connected"})
		return
	}

	switch f := f.(type) {
	case model.SendMessage:
		h.onSendMessage(ctx, c, b, f)
	case model.UserTyping:
		h.Registry.BroadcastExcept(b.Scope, model.UserTyping{TypingSignal: h.typingSignal(ctx, b, f.TypingSignal)}, c)
	case model.UserStoppedTyping:
		h.Registry.BroadcastExcept(b.Scope, model.UserStoppedTyping{TypingSignal: h.typingSignal(ctx, b, f.TypingSignal)}, c)
	case model.ChoreUpdate:
		n := h.Registry.Broadcast(b.Scope, model.ChoreUpdate{Scope: b.Scope, UserID: b.UserID, Payload: f.Payload})
		log.Printf("[WebSocket] 📢 chore_update from %s relayed to %d clients in %s", b.UserID, n, b.Scope)
	default:
		log.Printf("[WebSocket] ❌ Unexpected %s frame from %s", f.Type(), c.id)
	}
}

func (h *Handler) onConnect(ctx context.Context, c *connection, f model.Connect) {
	scope := f.Scope.Normalize()
	h.Registry.Register(c, f.UserID, scope)

	// 送信時の読み込みを避けるためにプロフィールを先読み
	h.Profiles.Get(ctx, f.UserID)

	log.Printf("[WebSocket] ✅ %s registered as user %s in %s. Group size: %d", c.id, f.UserID, scope, h.Registry.GroupSize(scope))

	c.Send(model.ConnectionConfirmed{ConnectionID: c.id, UserID: f.UserID, Scope: scope})
}

func (h *Handler) onSendMessage(ctx context.Context, c *connection, b registry.Binding, f model.SendMessage) {
	if _, err := h.postMessage(ctx, b.UserID, b.Scope, f.Content, f.ClientMessageID); err != nil {
		log.Printf("[WebSocket] ❌ send_message from %s failed: %v", b.UserID, err)

		reason := "Failed to send message"
		var invalid *ContentError
		if errors.As(err, &invalid) {
			reason = invalid.Error()
		}
		c.Send(model.MessageError{Error: reason, ClientMessageID: f.ClientMessageID})
	}
}

// typingSignal rebuilds a typing frame from the sender's binding so a
// socket can only signal for itself.
func (h *Handler) typingSignal(ctx context.Context, b registry.Binding, in model.TypingSignal) model.TypingSignal {
	name := in.UserName
	if name == "" {
		name = h.Profiles.Get(ctx, b.UserID).Name
	}
	return model.TypingSignal{Scope: b.Scope, UserID: b.UserID, UserName: name}
}
