package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myroommate/internal/client"
	"myroommate/internal/model"
)

var household = model.HouseholdScope("h1")

type fakeSocket struct {
	mu       sync.Mutex
	status   client.Status
	sendErr  error
	sent     []model.Frame
	frameFn  func(model.Frame)
	statusFn func(client.Status)
}

func (s *fakeSocket) Status() client.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSocket) setStatus(st client.Status) {
	s.mu.Lock()
	s.status = st
	fn := s.statusFn
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *fakeSocket) Send(f model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != client.StatusConnected {
		return client.ErrNotConnected
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSocket) OnFrame(fn func(model.Frame)) func() {
	s.frameFn = fn
	return func() { s.frameFn = nil }
}

func (s *fakeSocket) OnStatusChange(fn func(client.Status)) func() {
	s.statusFn = fn
	return func() { s.statusFn = nil }
}

func (s *fakeSocket) push(f model.Frame) { s.frameFn(f) }

func (s *fakeSocket) lastSent() model.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

type fakeAPI struct {
	mu      sync.Mutex
	postErr error
	posted  []string
	history []model.Message
	nextID  int
}

func (a *fakeAPI) PostMessage(ctx context.Context, scope model.Scope, userID, content, clientMessageID string) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.postErr != nil {
		return model.Message{}, a.postErr
	}
	a.nextID++
	a.posted = append(a.posted, content)
	return model.Message{
		ID:              fmt.Sprintf("m%d", a.nextID),
		Scope:           scope,
		UserID:          userID,
		Content:         content,
		ClientMessageID: clientMessageID,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (a *fakeAPI) FetchMessages(ctx context.Context, scope model.Scope, limit int) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Message(nil), a.history...), nil
}

func (a *fakeAPI) postCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posted)
}

func newTestView(status client.Status, opts Options) (*View, *fakeSocket, *fakeAPI) {
	sock := &fakeSocket{status: status}
	api := &fakeAPI{}
	if opts.Scope.IsZero() {
		opts.Scope = household
	}
	if opts.UserID == "" {
		opts.UserID = "alice"
	}
	return NewView(sock, api, opts), sock, api
}

func msgAt(id, content string, sec int) model.Message {
	return model.Message{
		ID:        id,
		Scope:     household,
		UserID:    "bob",
		Content:   content,
		CreatedAt: time.Date(2026, 5, 1, 9, 0, sec, 0, time.UTC),
	}
}

func TestHandleFrame_DuplicatePushIsIgnored(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{})

	push := model.NewMessage{Message: msgAt("m1", "hello", 1)}
	sock.push(push)
	sock.push(push)

	list := v.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
}

func TestHandleFrame_OrdersByCreatedAt(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{})

	sock.push(model.NewMessage{Message: msgAt("m3", "third", 3)})
	sock.push(model.NewMessage{Message: msgAt("m1", "first", 1)})
	sock.push(model.NewMessage{Message: msgAt("m2", "second", 2)})

	// 別スコープのメッセージは無視
	other := msgAt("x", "elsewhere", 0)
	other.Scope = model.HouseholdScope("h2")
	sock.push(model.NewMessage{Message: other})

	list := v.Messages()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{list[0].Content, list[1].Content, list[2].Content})
}

func TestRefresh_MergesWithPushes(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})

	sock.push(model.NewMessage{Message: msgAt("m2", "pushed", 2)})
	api.history = []model.Message{msgAt("m1", "old", 1), msgAt("m2", "pushed", 2)}

	require.NoError(t, v.Refresh(context.Background()))
	require.NoError(t, v.Refresh(context.Background()))

	list := v.Messages()
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "m2", list[1].ID)
}

func TestSend_OverSocketThenConfirmedByEcho(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})

	draft, err := v.Send(context.Background(), "dishes tonight?")
	require.NoError(t, err)
	assert.Empty(t, draft)
	assert.Zero(t, api.postCount())

	sent, ok := sock.lastSent().(model.SendMessage)
	require.True(t, ok)
	require.NotEmpty(t, sent.ClientMessageID)

	list := v.Messages()
	require.Len(t, list, 1)
	assert.True(t, list[0].Pending)
	assert.Equal(t, sent.ClientMessageID, list[0].TempID)

	echo := msgAt("m9", "dishes tonight?", 5)
	echo.UserID = "alice"
	echo.ClientMessageID = sent.ClientMessageID
	sock.push(model.NewMessage{Message: echo})

	list = v.Messages()
	require.Len(t, list, 1)
	assert.False(t, list[0].Pending)
	assert.Equal(t, "m9", list[0].ID)
}

// HTTP fallback while disconnected, then the socket broadcast of the same
// message arrives after reconnecting.
func TestSend_HTTPFallbackThenLateBroadcast(t *testing.T) {
	v, sock, api := newTestView(client.StatusDisconnected, Options{})

	draft, err := v.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, draft)
	assert.Equal(t, 1, api.postCount())

	list := v.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.False(t, list[0].Pending)

	sock.setStatus(client.StatusConnected)
	sock.push(model.NewMessage{Message: list[0].Message})

	list = v.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "hi", list[0].Content)
}

func TestSend_SocketErrorFallsBackToHTTP(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})
	sock.sendErr = errors.New("broken pipe")

	draft, err := v.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, draft)
	assert.Equal(t, 1, api.postCount())
	require.Len(t, v.Messages(), 1)
}

func TestSend_BothPathsFailKeepsDraft(t *testing.T) {
	v, _, api := newTestView(client.StatusReconnecting, Options{})
	api.postErr = errors.New("503")

	draft, err := v.Send(context.Background(), "keep me")
	assert.Error(t, err)
	assert.Equal(t, "keep me", draft)
	assert.Empty(t, v.Messages())

	draft, err = v.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, "   ", draft)
}

func TestMessageError_RetriesRejectedSendOverHTTP(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})

	_, err := v.Send(context.Background(), "rejected once")
	require.NoError(t, err)
	sent := sock.lastSent().(model.SendMessage)

	sock.push(model.MessageError{Error: "Failed to send message"})
	assert.Zero(t, api.postCount(), "errors without an id are not retried")

	sock.push(model.MessageError{Error: "Failed to send message", ClientMessageID: sent.ClientMessageID})

	require.Eventually(t, func() bool {
		list := v.Messages()
		return len(list) == 1 && !list[0].Pending
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, api.postCount())
}

func TestMessageError_FailedEntryCanBeRetried(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})
	api.postErr = errors.New("offline")

	_, err := v.Send(context.Background(), "try again")
	require.NoError(t, err)
	sent := sock.lastSent().(model.SendMessage)

	sock.push(model.MessageError{Error: "Failed to send message", ClientMessageID: sent.ClientMessageID})
	require.Eventually(t, func() bool {
		list := v.Messages()
		return len(list) == 1 && list[0].Failed
	}, 2*time.Second, 5*time.Millisecond)

	api.mu.Lock()
	api.postErr = nil
	api.mu.Unlock()

	require.NoError(t, v.Retry(context.Background(), sent.ClientMessageID))
	list := v.Messages()
	require.Len(t, list, 1)
	assert.False(t, list[0].Pending)
	assert.False(t, list[0].Failed)
}

func TestTyping_ExpiresAndStops(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{TypingTTL: 200 * time.Millisecond})

	bob := model.TypingSignal{Scope: household, UserID: "bob", UserName: "Bob"}
	carol := model.TypingSignal{Scope: household, UserID: "carol", UserName: "Carol"}

	sock.push(model.UserTyping{TypingSignal: bob})
	sock.push(model.UserTyping{TypingSignal: carol})
	sock.push(model.UserTyping{TypingSignal: model.TypingSignal{Scope: household, UserID: "alice", UserName: "Me"}})
	assert.Equal(t, []string{"Bob", "Carol"}, v.Typing())

	sock.push(model.UserStoppedTyping{TypingSignal: carol})
	assert.Equal(t, []string{"Bob"}, v.Typing())

	// 繰り返しのシグナルでタイマーが延長される
	time.Sleep(120 * time.Millisecond)
	sock.push(model.UserTyping{TypingSignal: bob})
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []string{"Bob"}, v.Typing())

	require.Eventually(t, func() bool { return len(v.Typing()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTyping_DefaultWindow(t *testing.T) {
	v, _, _ := newTestView(client.StatusConnected, Options{})
	assert.Equal(t, 3*time.Second, v.opts.TypingTTL)
}

func TestNotifyTyping(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{UserName: "Alice"})

	v.NotifyTyping(true)
	typing, ok := sock.lastSent().(model.UserTyping)
	require.True(t, ok)
	assert.Equal(t, "Alice", typing.UserName)

	v.NotifyTyping(false)
	_, ok = sock.lastSent().(model.UserStoppedTyping)
	assert.True(t, ok)

	sock.setStatus(client.StatusDisconnected)
	v.NotifyTyping(true)
	_, ok = sock.lastSent().(model.UserStoppedTyping)
	assert.True(t, ok, "typing is dropped while disconnected")
}

func TestPollInterval(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{})
	assert.Equal(t, DefaultSlowPoll, v.PollInterval())

	for _, st := range []client.Status{client.StatusReconnecting, client.StatusDisconnected, client.StatusConnecting} {
		sock.setStatus(st)
		assert.Equal(t, DefaultFastPoll, v.PollInterval(), st)
	}
}

func TestRun_RefreshesImmediatelyOnReconnect(t *testing.T) {
	v, sock, api := newTestView(client.StatusDisconnected, Options{FastPoll: time.Hour, SlowPoll: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	api.mu.Lock()
	api.history = []model.Message{msgAt("m1", "missed while offline", 1)}
	api.mu.Unlock()

	require.Eventually(t, func() bool {
		sock.setStatus(client.StatusConnected)
		return len(v.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

// A socket send the server never read is resent over HTTP once the socket
// goes away, instead of staying pending.
func TestSend_UnconfirmedSocketSendResentAfterDrop(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})

	_, err := v.Send(context.Background(), "lost in transit")
	require.NoError(t, err)
	require.Len(t, v.Messages(), 1)
	assert.True(t, v.Messages()[0].Pending)
	assert.Zero(t, api.postCount())

	sock.setStatus(client.StatusReconnecting)
	require.Eventually(t, func() bool {
		list := v.Messages()
		return len(list) == 1 && !list[0].Pending && list[0].ID == "m1"
	}, 2*time.Second, 5*time.Millisecond)

	sock.setStatus(client.StatusConnected)
	for i := 0; i < 3; i++ {
		require.NoError(t, v.Refresh(context.Background()))
	}
	list := v.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "lost in transit", list[0].Content)
	assert.Equal(t, 1, api.postCount())
}

func TestSend_UnconfirmedSocketSendResentAfterDeadline(t *testing.T) {
	v, _, api := newTestView(client.StatusConnected, Options{ConfirmTimeout: 50 * time.Millisecond})

	_, err := v.Send(context.Background(), "no echo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list := v.Messages()
		return len(list) == 1 && !list[0].Pending
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, api.postCount())
}

func TestSend_EchoBeforeDeadlineSkipsHTTP(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{ConfirmTimeout: 50 * time.Millisecond})

	_, err := v.Send(context.Background(), "fast echo")
	require.NoError(t, err)
	sent := sock.lastSent().(model.SendMessage)

	echo := msgAt("m7", "fast echo", 1)
	echo.ClientMessageID = sent.ClientMessageID
	sock.push(model.NewMessage{Message: echo})

	time.Sleep(150 * time.Millisecond)
	sock.setStatus(client.StatusDisconnected)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, api.postCount())
	require.Len(t, v.Messages(), 1)
}

func TestSend_UnconfirmedResendFailureCanBeRetried(t *testing.T) {
	v, sock, api := newTestView(client.StatusConnected, Options{})
	api.postErr = errors.New("offline")

	_, err := v.Send(context.Background(), "keep trying")
	require.NoError(t, err)
	tempID := sock.lastSent().(model.SendMessage).ClientMessageID

	sock.setStatus(client.StatusDisconnected)
	require.Eventually(t, func() bool {
		list := v.Messages()
		return len(list) == 1 && list[0].Failed
	}, 2*time.Second, 5*time.Millisecond)

	api.mu.Lock()
	api.postErr = nil
	api.mu.Unlock()

	require.NoError(t, v.Retry(context.Background(), tempID))
	list := v.Messages()
	require.Len(t, list, 1)
	assert.False(t, list[0].Pending)
}

func TestTyping_StopFromOtherScopeIgnored(t *testing.T) {
	v, sock, _ := newTestView(client.StatusConnected, Options{})

	sock.push(model.UserTyping{TypingSignal: model.TypingSignal{Scope: household, UserID: "bob", UserName: "Bob"}})
	sock.push(model.UserStoppedTyping{TypingSignal: model.TypingSignal{Scope: model.HouseholdScope("h2"), UserID: "bob"}})
	assert.Equal(t, []string{"Bob"}, v.Typing())

	sock.push(model.UserStoppedTyping{TypingSignal: model.TypingSignal{Scope: household, UserID: "bob"}})
	assert.Empty(t, v.Typing())
}
