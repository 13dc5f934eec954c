package handler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"myroommate/internal/model"
)

// ContentError reports message content that failed validation
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string { return e.Reason }

func (h *Handler) validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ContentError{Reason: "content is required"}
	}
	if limit := h.Config.MaxMessageLength; limit > 0 && utf8.RuneCountInString(content) > limit {
		return "", &ContentError{Reason: fmt.Sprintf("content exceeds %d characters", limit)}
	}
	return content, nil
}

// postMessage persists a message and broadcasts it to the scope, sender
// included. Nothing is broadcast when persistence fails.
func (h *Handler) postMessage(ctx context.Context, userID string, scope model.Scope, content, clientMessageID string) (model.Message, error) {
	content, err := h.validateContent(content)
	if err != nil {
		return model.Message{}, err
	}

	author := h.Profiles.Get(ctx, userID)
	msg := model.Message{
		Scope:           scope.Normalize(),
		UserID:          userID,
		Content:         content,
		ClientMessageID: clientMessageID,
		User:            &author,
	}

	if err := h.Store.CreateMessage(ctx, &msg); err != nil {
		return model.Message{}, fmt.Errorf("persist message: %w", err)
	}

	n := h.Registry.Broadcast(msg.Scope, model.NewMessage{Message: msg, ConversationID: msg.ConversationID})
	log.Printf("[WebSocket] 📢 Broadcast message %s to %d clients in %s", msg.ID, n, msg.Scope)

	return msg, nil
}
