// Package reconcile merges fetched history, optimistic sends and socket
// pushes into one ordered message list without duplicates.
package reconcile

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"myroommate/internal/client"
	"myroommate/internal/model"
)

// ErrEmptyContent is returned by Send for blank input
var ErrEmptyContent = errors.New("message content is empty")

const (
	DefaultTypingTTL = 3 * time.Second
	DefaultFastPoll  = 2 * time.Second
	DefaultSlowPoll  = 5 * time.Second
	DefaultHistory   = 50
)

// Socket is the live connection the view pushes through and listens to.
// *client.Manager implements it.
type Socket interface {
	Status() client.Status
	Send(f model.Frame) error
	OnFrame(fn func(model.Frame)) func()
	OnStatusChange(fn func(client.Status)) func()
}

// API is the HTTP fallback. *client.APIClient implements it.
type API interface {
	PostMessage(ctx context.Context, scope model.Scope, userID, content, clientMessageID string) (model.Message, error)
	FetchMessages(ctx context.Context, scope model.Scope, limit int) ([]model.Message, error)
}

// Options configures a View
type Options struct {
	Scope    model.Scope
	UserID   string
	UserName string

	TypingTTL time.Duration
	FastPoll  time.Duration
	SlowPoll  time.Duration
	History   int

	// ConfirmTimeout is how long a socket send may stay unconfirmed before
	// it is resent over HTTP. Defaults to two slow poll intervals.
	ConfirmTimeout time.Duration

	// OnChange is called after every change to messages or typing state
	OnChange func()
}

// Entry is one row of the rendered list
type Entry struct {
	model.Message
	// TempID is the client-generated id while the message is unconfirmed
	TempID  string
	Pending bool
	Failed  bool
}

type pendingEntry struct {
	entry    Entry
	bySocket bool
	deadline *time.Timer
}

func (p *pendingEntry) stopDeadline() {
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
}

type typingEntry struct {
	name  string
	timer *time.Timer
}

// View is the message list of one scope. Confirmed messages are keyed by
// server id; pending ones by a client temporary id that the server echoes
// back as clientMessageId.
type View struct {
	opts   Options
	socket Socket
	api    API

	mu        sync.Mutex
	confirmed map[string]model.Message
	pending   map[string]*pendingEntry
	typing    map[string]*typingEntry

	wake   chan struct{}
	unsubs []func()
}

// NewView creates a View and subscribes it to socket
func NewView(socket Socket, api API, opts Options) *View {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.FastPoll <= 0 {
		opts.FastPoll = DefaultFastPoll
	}
	if opts.SlowPoll <= 0 {
		opts.SlowPoll = DefaultSlowPoll
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * opts.SlowPoll
	}
	opts.Scope = opts.Scope.Normalize()

	v := &View{
		opts:      opts,
		socket:    socket,
		api:       api,
		confirmed: make(map[string]model.Message),
		pending:   make(map[string]*pendingEntry),
		typing:    make(map[string]*typingEntry),
		wake:      make(chan struct{}, 1),
	}
	v.unsubs = append(v.unsubs,
		socket.OnFrame(v.HandleFrame),
		socket.OnStatusChange(func(s client.Status) {
			if s == client.StatusConnected {
				v.kick()
				return
			}
			v.resendUnconfirmed("socket closed before confirmation")
		}),
	)
	return v
}

// Close detaches the view from the socket and stops typing timers
func (v *View) Close() {
	for _, fn := range v.unsubs {
		fn()
	}
	v.unsubs = nil

	v.mu.Lock()
	for id, t := range v.typing {
		t.timer.Stop()
		delete(v.typing, id)
	}
	for _, p := range v.pending {
		p.stopDeadline()
	}
	v.mu.Unlock()
}

// Messages returns confirmed and pending entries ordered by creation time
func (v *View) Messages() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Entry, 0, len(v.confirmed)+len(v.pending))
	for _, m := range v.confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, p := range v.pending {
		out = append(out, p.entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID+a.TempID < b.ID+b.TempID
	})
	return out
}

// Typing returns the sorted names of users currently typing
func (v *View) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make([]string, 0, len(v.typing))
	for _, t := range v.typing {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// PollInterval is short while the socket is down and long while push works
func (v *View) PollInterval() time.Duration {
	if v.socket.Status() == client.StatusConnected {
		return v.opts.SlowPoll
	}
	return v.opts.FastPoll
}

// Apply merges a confirmed message. It returns false when the id is already
// known. A pending entry with the same clientMessageId is confirmed.
func (v *View) Apply(msg model.Message) bool {
	v.mu.Lock()
	added := v.applyLocked(msg)
	v.mu.Unlock()

	if added {
		v.changed()
	}
	return added
}

func (v *View) applyLocked(msg model.Message) bool {
	if p, ok := v.pending[msg.ClientMessageID]; ok && msg.ClientMessageID != "" {
		p.stopDeadline()
		delete(v.pending, msg.ClientMessageID)
	}
	if _, ok := v.confirmed[msg.ID]; ok {
		return false
	}
	v.confirmed[msg.ID] = msg
	return true
}

// Refresh fetches history and merges it into the list
func (v *View) Refresh(ctx context.Context) error {
	msgs, err := v.api.FetchMessages(ctx, v.opts.Scope, v.opts.History)
	if err != nil {
		return err
	}

	v.mu.Lock()
	added := 0
	for _, m := range msgs {
		if v.applyLocked(m) {
			added++
		}
	}
	v.mu.Unlock()

	if added > 0 {
		v.changed()
	}
	return nil
}

// Run refreshes on PollInterval until ctx is done. A socket reconnect
// triggers an immediate refresh.
func (v *View) Run(ctx context.Context) {
	for {
		if err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Messages] Refresh failed: %v", err)
		}

		timer := time.NewTimer(v.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-v.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (v *View) kick() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Send delivers content over the socket when connected and over HTTP
// otherwise. The returned draft is what the input should show afterwards:
// empty on success, the original content when both paths failed.
func (v *View) Send(ctx context.Context, content string) (draft string, err error) {
	if strings.TrimSpace(content) == "" {
		return content, ErrEmptyContent
	}

	tempID := uuid.New().String()
	p := &pendingEntry{entry: Entry{
		Message: model.Message{
			Scope:           v.opts.Scope,
			UserID:          v.opts.UserID,
			Content:         strings.TrimSpace(content),
			ClientMessageID: tempID,
			CreatedAt:       time.Now().UTC(),
		},
		TempID:  tempID,
		Pending: true,
	}}

	connected := v.socket.Status() == client.StatusConnected
	p.bySocket = connected

	v.mu.Lock()
	v.pending[tempID] = p
	if connected {
		p.deadline = time.AfterFunc(v.opts.ConfirmTimeout, func() {
			v.resendOverHTTP(tempID, "no confirmation within "+v.opts.ConfirmTimeout.String())
		})
	}
	v.mu.Unlock()
	v.changed()

	if connected {
		err := v.socket.Send(model.SendMessage{
			Content:         content,
			Scope:           v.opts.Scope,
			UserID:          v.opts.UserID,
			ClientMessageID: tempID,
		})
		if err == nil {
			return "", nil
		}
		log.Printf("[Messages] Socket send failed, using HTTP: %v", err)

		v.mu.Lock()
		p.bySocket = false
		p.stopDeadline()
		v.mu.Unlock()
	}

	if err := v.postHTTP(ctx, tempID, content); err != nil {
		v.mu.Lock()
		delete(v.pending, tempID)
		v.mu.Unlock()
		v.changed()
		return content, err
	}
	return "", nil
}

func (v *View) postHTTP(ctx context.Context, tempID, content string) error {
	msg, err := v.api.PostMessage(ctx, v.opts.Scope, v.opts.UserID, content, tempID)
	if err != nil {
		return err
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = tempID
	}
	v.Apply(msg)
	return nil
}

// Retry resends a failed entry over HTTP
func (v *View) Retry(ctx context.Context, tempID string) error {
	v.mu.Lock()
	p, ok := v.pending[tempID]
	if !ok || !p.entry.Failed {
		v.mu.Unlock()
		return nil
	}
	p.entry.Failed = false
	content := p.entry.Content
	v.mu.Unlock()
	v.changed()

	if err := v.postHTTP(ctx, tempID, content); err != nil {
		v.markFailed(tempID)
		return err
	}
	return nil
}

func (v *View) markFailed(tempID string) {
	v.mu.Lock()
	if p, ok := v.pending[tempID]; ok {
		p.entry.Failed = true
		p.bySocket = false
	}
	v.mu.Unlock()
	v.changed()
}

// NotifyTyping tells the scope whether the local user is typing. It is
// dropped when the socket is down.
func (v *View) NotifyTyping(typing bool) {
	sig := model.TypingSignal{Scope: v.opts.Scope, UserID: v.opts.UserID, UserName: v.opts.UserName}

	var f model.Frame = model.UserStoppedTyping{TypingSignal: sig}
	if typing {
		f = model.UserTyping{TypingSignal: sig}
	}
	if err := v.socket.Send(f); err != nil && !errors.Is(err, client.ErrNotConnected) {
		log.Printf("[Messages] Typing signal failed: %v", err)
	}
}

// HandleFrame applies one pushed frame
func (v *View) HandleFrame(f model.Frame) {
	switch f := f.(type) {
	case model.NewMessage:
		if f.Message.Scope.Normalize() != v.opts.Scope {
			return
		}
		v.Apply(f.Message)
	case model.UserTyping:
		v.startTyping(f.TypingSignal)
	case model.UserStoppedTyping:
		if f.Scope.Normalize() != v.opts.Scope {
			return
		}
		v.stopTyping(f.UserID)
	case model.MessageError:
		v.fallbackRejected(f)
	}
}

// fallbackRejected resends a socket send the server rejected over HTTP.
func (v *View) fallbackRejected(f model.MessageError) {
	if f.ClientMessageID == "" {
		log.Printf("[Messages] Server error: %s", f.Error)
		return
	}
	v.resendOverHTTP(f.ClientMessageID, "server rejected socket send ("+f.Error+")")
}

// resendUnconfirmed hands every unconfirmed socket send to HTTP.
func (v *View) resendUnconfirmed(reason string) {
	v.mu.Lock()
	ids := make([]string, 0, len(v.pending))
	for id, p := range v.pending {
		if p.bySocket {
			ids = append(ids, id)
		}
	}
	v.mu.Unlock()

	for _, id := range ids {
		v.resendOverHTTP(id, reason)
	}
}

// resendOverHTTP moves a socket send that is still unconfirmed to the HTTP
// path. The server stores a clientMessageId once, so a send that did arrive
// comes back with its original id. Failure marks the entry for Retry.
func (v *View) resendOverHTTP(tempID, reason string) {
	v.mu.Lock()
	p, ok := v.pending[tempID]
	if !ok || !p.bySocket {
		v.mu.Unlock()
		return
	}
	p.bySocket = false
	p.stopDeadline()
	e := p.entry
	v.mu.Unlock()

	log.Printf("[Messages] %s, retrying %s over HTTP", reason, tempID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.postHTTP(ctx, e.TempID, e.Content); err != nil {
			log.Printf("[Messages] HTTP fallback failed for %s: %v", e.TempID, err)
			v.markFailed(e.TempID)
		}
	}()
}

func (v *View) startTyping(sig model.TypingSignal) {
	if sig.UserID == v.opts.UserID || sig.Scope.Normalize() != v.opts.Scope {
		return
	}
	name := sig.UserName
	if name == "" {
		name = sig.UserID
	}

	v.mu.Lock()
	if t, ok := v.typing[sig.UserID]; ok {
		t.timer.Stop()
	}
	t := &typingEntry{name: name}
	t.timer = time.AfterFunc(v.opts.TypingTTL, func() { v.expireTyping(sig.UserID, t) })
	v.typing[sig.UserID] = t
	v.mu.Unlock()

	v.changed()
}

func (v *View) stopTyping(userID string) {
	v.mu.Lock()
	t, ok := v.typing[userID]
	if ok {
		t.timer.Stop()
		delete(v.typing, userID)
	}
	v.mu.Unlock()

	if ok {
		v.changed()
	}
}

// expireTyping removes userID only if t is still its current entry.
func (v *View) expireTyping(userID string, t *typingEntry) {
	v.mu.Lock()
	cur, ok := v.typing[userID]
	expired := ok && cur == t
	if expired {
		delete(v.typing, userID)
	}
	v.mu.Unlock()

	if expired {
		v.changed()
	}
}

func (v *View) changed() {
	if v.opts.OnChange != nil {
		v.opts.OnChange()
	}
}
