package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"myroommate/internal/model"
)

// maxBodyBytes はリクエストボディの上限 (1MB)
const maxBodyBytes = 1 << 20

// createMessageRequest is the body of the HTTP fallback send
type createMessageRequest struct {
	Content string `json:"content"`
	model.Scope
	UserID          string `json:"userId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CreateMessage handles POST /api/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	h.createMessage(w, r, "[POST /api/messages]", model.Scope{})
}

// CreateConversationMessage handles POST /api/conversations/{id}/messages
func (h *Handler) CreateConversationMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.createMessage(w, r, fmt.Sprintf("[POST /api/conversations/%s/messages]", id), model.ConversationScope(id))
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request, tag string, scope model.Scope) {
	log.Printf("%s Request received from %s", tag, r.RemoteAddr)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("%s ❌ Bad Request: %v", tag, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if scope.IsZero() {
		scope = req.Scope
	}
	if scope.IsZero() {
		log.Printf("%s ❌ Bad Request: missing scope", tag)
		writeError(w, http.StatusBadRequest, "householdId or conversationId is required")
		return
	}
	if req.UserID == "" {
		log.Printf("%s ❌ Bad Request: missing userId", tag)
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	msg, err := h.postMessage(r.Context(), req.UserID, scope, req.Content, req.ClientMessageID)
	if err != nil {
		var invalid *ContentError
		if errors.As(err, &invalid) {
			log.Printf("%s ❌ Bad Request: %v", tag, err)
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		log.Printf("%s ❌ Database error: %v", tag, err)
		writeError(w, http.StatusInternalServerError, "Failed to create message")
		return
	}

	log.Printf("%s ✅ Created message: ID=%s, Scope=%s", tag, msg.ID, msg.Scope)
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessages handles GET /api/messages?householdId=...
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := model.Scope{HouseholdID: q.Get("householdId"), ConversationID: q.Get("conversationId")}
	h.listMessages(w, r, "[GET /api/messages]", scope)
}

// GetConversationMessages handles GET /api/conversations/{id}/messages
func (h *Handler) GetConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.listMessages(w, r, fmt.Sprintf("[GET /api/conversations/%s/messages]", id), model.ConversationScope(id))
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, tag string, scope model.Scope) {
	log.Printf("%s Request received from %s", tag, r.RemoteAddr)

	if scope.IsZero() {
		log.Printf("%s ❌ Bad Request: missing scope", tag)
		writeError(w, http.StatusBadRequest, "householdId or conversationId is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("%s ❌ Bad Request: invalid limit %q", tag, v)
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.Store.ListMessages(r.Context(), scope, limit)
	if err != nil {
		log.Printf("%s ❌ Database error: %v", tag, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	log.Printf("%s ✅ Returned %d messages", tag, len(msgs))
	writeJSON(w, http.StatusOK, msgs)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.Registry.Len(),
	})
}
