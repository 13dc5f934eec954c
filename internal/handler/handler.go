package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"myroommate/internal/config"
	"myroommate/internal/model"
	"myroommate/internal/registry"
)

// MessageStore is the persistence collaborator used by both delivery paths
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, scope model.Scope, limit int) ([]model.Message, error)
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
}

// Handler holds application dependencies
type Handler struct {
	Store    MessageStore
	Config   config.Config
	Registry *registry.Registry
	Profiles *ProfileCache

	upgrader websocket.Upgrader
}

// New creates a new Handler with the given dependencies
func New(store MessageStore, cfg config.Config) *Handler {
	return &Handler{
		Store:    store,
		Config:   cfg,
		Registry: registry.New(),
		Profiles: NewProfileCache(store),
		upgrader: createUpgrader(cfg.AllowedOrigins),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API (WebSocket が使えない時のフォールバック)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages", h.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages", h.CreateMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", h.GetConversationMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", h.CreateConversationMessage).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)

	return r
}
