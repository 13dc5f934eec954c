package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"myroommate/internal/model"
)

// APIError is a non-2xx response from the REST API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// APIClient talks to the REST endpoints that back the socket
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAPIClient creates a client for the server at baseURL (http://host:port)
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type postMessageBody struct {
	Content string `json:"content"`
	model.Scope
	UserID          string `json:"userId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// PostMessage persists a message through the HTTP path. The response has the
// same shape as a socket broadcast.
func (a *APIClient) PostMessage(ctx context.Context, scope model.Scope, userID, content, clientMessageID string) (model.Message, error) {
	scope = scope.Normalize()
	path := "/api/messages"
	body := postMessageBody{Content: content, Scope: scope, UserID: userID, ClientMessageID: clientMessageID}
	if scope.ConversationID != "" {
		path = "/api/conversations/" + url.PathEscape(scope.ConversationID) + "/messages"
		body.Scope = model.Scope{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return model.Message{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return model.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var msg model.Message
	if err := a.do(req, http.StatusCreated, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// FetchMessages loads the newest messages of a scope in ascending order
func (a *APIClient) FetchMessages(ctx context.Context, scope model.Scope, limit int) ([]model.Message, error) {
	scope = scope.Normalize()

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages"
	if scope.ConversationID != "" {
		path = "/api/conversations/" + url.PathEscape(scope.ConversationID) + "/messages"
	} else {
		q.Set("householdId", scope.HouseholdID)
	}
	target := a.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var msgs []model.Message
	if err := a.do(req, http.StatusOK, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (a *APIClient) do(req *http.Request, want int, out interface{}) error {
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
