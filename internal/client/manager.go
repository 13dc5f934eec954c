// Package client keeps one reconnecting WebSocket connection to the chat
// server and provides the HTTP fallback used when it is down.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"myroommate/internal/model"
)

// ErrNotConnected is returned by Send when the socket is not open
var ErrNotConnected = errors.New("not connected")

// Options configures a Manager. Zero values take the defaults below; a
// negative MaxJitter disables jitter.
type Options struct {
	URL    string
	UserID string
	Header http.Header
	Dialer *websocket.Dialer

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	MaxAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration

	// LivenessTimeout is how long Foreground waits for the pong of its ping
	LivenessTimeout time.Duration

	// Rand returns a value in [0,1) for backoff jitter
	Rand func() float64
}

const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxJitter         = time.Second
	DefaultMaxAttempts       = 10
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHeartbeatTimeout  = 35 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultLivenessTimeout   = 5 * time.Second
)

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	} else if o.MaxJitter == 0 {
		o.MaxJitter = DefaultMaxJitter
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = DefaultLivenessTimeout
	}
	if o.Rand == nil {
		o.Rand = defaultRand
	}
}

// Manager owns a single socket to the chat server. It reconnects with
// exponential backoff unless the close was requested through Disconnect,
// and detects half-open connections with an application heartbeat.
//
// Every dial gets a new generation number; callbacks from an older
// generation are ignored.
type Manager struct {
	opts Options

	mu           sync.Mutex
	status       Status
	target       model.Scope
	conn         *websocket.Conn
	cancel       context.CancelFunc
	gen          uint64
	attempt      int
	online       bool
	closedByUser bool
	gaveUp       bool
	lastPong     time.Time
	retry        *time.Timer
	probe        *time.Timer
	stopBeat     chan struct{}

	writeMu sync.Mutex

	subMu      sync.Mutex
	nextSub    int
	statusSubs map[int]func(Status)
	frameSubs  map[int]func(model.Frame)
}

// New creates a disconnected Manager
func New(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:         opts,
		status:       StatusDisconnected,
		online:       true,
		closedByUser: true,
		statusSubs:   make(map[int]func(Status)),
		frameSubs:    make(map[int]func(model.Frame)),
	}
}

// Status returns the current state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Target returns the scope the manager is bound to
func (m *Manager) Target() model.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// OnStatusChange registers fn for every status transition. Call the
// returned func to unsubscribe.
func (m *Manager) OnStatusChange(fn func(Status)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.statusSubs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.statusSubs, id)
		m.subMu.Unlock()
	}
}

// OnFrame registers fn for every inbound frame except pong
func (m *Manager) OnFrame(fn func(model.Frame)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.frameSubs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.frameSubs, id)
		m.subMu.Unlock()
	}
}

// Connect binds the manager to scope. It is a no-op when already connected
// to the same scope; otherwise any existing socket is torn down first.
func (m *Manager) Connect(scope model.Scope) {
	scope = scope.Normalize()

	m.mu.Lock()
	if m.status == StatusConnected && m.target == scope {
		m.mu.Unlock()
		return
	}

	old := m.teardownLocked()
	m.target = scope
	m.closedByUser = false
	m.gaveUp = false
	m.attempt = 0

	if !m.online {
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.closeConn(old)
		m.notify(changed)
		return
	}

	changed := m.setStatusLocked(StatusConnecting)
	gen := m.nextGenLocked()
	m.mu.Unlock()

	m.closeConn(old)
	m.notify(changed)
	go m.dial(gen)
}

// Disconnect closes the socket with a normal closure and stops every timer.
// The manager stays disconnected until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closedByUser = true
	m.attempt = 0
	old := m.teardownLocked()
	changed := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.closeConn(old)
	m.notify(changed)
}

// SetOnline reports the network state. Going offline drops the socket and
// suppresses reconnects; coming back online reconnects.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if !online {
		old := m.teardownLocked()
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.closeConn(old)
		log.Printf("[Realtime] Network offline, socket closed")
		m.notify(changed)
		return
	}

	if !m.canAutoConnectLocked() || m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	changed := m.setStatusLocked(StatusConnecting)
	gen := m.nextGenLocked()
	m.mu.Unlock()

	log.Printf("[Realtime] Network online, reconnecting")
	m.notify(changed)
	go m.dial(gen)
}

// Foreground re-checks liveness when the client becomes visible again and
// reconnects if the socket is not actually usable. A connected socket gets
// an immediate ping and is closed if no pong follows within LivenessTimeout.
func (m *Manager) Foreground() {
	m.mu.Lock()
	if !m.canAutoConnectLocked() {
		m.mu.Unlock()
		return
	}

	switch m.status {
	case StatusConnected:
		conn := m.conn
		if conn == nil {
			m.mu.Unlock()
			return
		}
		if time.Since(m.lastPong) > m.opts.HeartbeatTimeout {
			m.mu.Unlock()
			// the reader sees the close and schedules a reconnect
			conn.Close()
			return
		}

		gen, sent := m.gen, time.Now()
		if m.probe != nil {
			m.probe.Stop()
		}
		m.probe = time.AfterFunc(m.opts.LivenessTimeout, func() { m.checkProbe(gen, conn, sent) })
		m.mu.Unlock()

		if err := m.write(conn, model.Ping{}); err != nil {
			log.Printf("[Realtime] Liveness ping failed: %v", err)
			conn.Close()
		}
	case StatusDisconnected:
		m.attempt = 0
		changed := m.setStatusLocked(StatusConnecting)
		gen := m.nextGenLocked()
		m.mu.Unlock()
		m.notify(changed)
		go m.dial(gen)
	default:
		m.mu.Unlock()
	}
}

// Send writes f to the socket. Frames are never queued across a
// disconnect; callers pick the HTTP fallback on ErrNotConnected.
func (m *Manager) Send(f model.Frame) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.status == StatusConnected && conn != nil
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return m.write(conn, f)
}

func (m *Manager) write(conn *websocket.Conn, f model.Frame) error {
	data, err := model.Encode(f)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type(), err)
	}
	return nil
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		log.Printf("[Realtime] Dial failed: %v", err)
		m.handleClose(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	target := m.target
	m.mu.Unlock()

	if err := m.write(conn, model.Connect{UserID: m.opts.UserID, Scope: target}); err != nil {
		log.Printf("[Realtime] Connect frame failed: %v", err)
		conn.Close()
		m.handleClose(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.lastPong = time.Now()
	stop := make(chan struct{})
	m.stopBeat = stop
	changed := m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	log.Printf("[Realtime] ✅ Connected to %s as %s", target, m.opts.UserID)
	m.notify(changed)

	go m.heartbeat(gen, conn, stop)
	m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen)
			return
		}

		f, err := model.Decode(data)
		if err != nil {
			log.Printf("[Realtime] ❌ Dropped malformed frame: %v", err)
			continue
		}

		if _, ok := f.(model.Pong); ok {
			m.mu.Lock()
			if gen == m.gen {
				m.lastPong = time.Now()
			}
			m.mu.Unlock()
			continue
		}

		m.subMu.Lock()
		subs := make([]func(model.Frame), 0, len(m.frameSubs))
		for _, fn := range m.frameSubs {
			subs = append(subs, fn)
		}
		m.subMu.Unlock()
		for _, fn := range subs {
			fn(f)
		}
	}
}

// checkProbe closes conn when no pong arrived after the Foreground ping sent
// at sent.
func (m *Manager) checkProbe(gen uint64, conn *websocket.Conn, sent time.Time) {
	m.mu.Lock()
	if gen != m.gen || !m.lastPong.Before(sent) {
		m.mu.Unlock()
		return
	}
	m.probe = nil
	m.mu.Unlock()

	log.Printf("[Realtime] ⚠️  No pong within %s after foreground, closing socket", m.opts.LivenessTimeout)
	conn.Close()
}

func (m *Manager) heartbeat(gen uint64, conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		stale := time.Since(m.lastPong) > m.opts.HeartbeatTimeout
		m.mu.Unlock()

		if stale {
			log.Printf("[Realtime] ⚠️  No pong within %s, closing socket", m.opts.HeartbeatTimeout)
			conn.Close()
			return
		}
		if err := m.write(conn, model.Ping{}); err != nil {
			log.Printf("[Realtime] Ping failed: %v", err)
		}
	}
}

// handleClose runs when the socket of generation gen is gone.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.conn = nil

	if m.closedByUser || !m.online {
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.notify(changed)
		return
	}

	m.attempt++
	if m.attempt > m.opts.MaxAttempts {
		m.gaveUp = true
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		log.Printf("[Realtime] ❌ Giving up after %d reconnect attempts", m.opts.MaxAttempts)
		m.notify(changed)
		return
	}

	delay := BackoffDelay(m.attempt, m.opts.BaseDelay, m.opts.MaxDelay, m.opts.MaxJitter, m.opts.Rand())
	changed := m.setStatusLocked(StatusReconnecting)
	m.retry = time.AfterFunc(delay, func() { m.redial(gen) })
	attempt := m.attempt
	m.mu.Unlock()

	log.Printf("[Realtime] Reconnecting in %s (attempt %d/%d)", delay, attempt, m.opts.MaxAttempts)
	m.notify(changed)
}

func (m *Manager) redial(prev uint64) {
	m.mu.Lock()
	if prev != m.gen || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	gen := m.nextGenLocked()
	m.mu.Unlock()

	m.dial(gen)
}

func (m *Manager) canAutoConnectLocked() bool {
	return m.online && !m.closedByUser && !m.gaveUp && !m.target.IsZero()
}

func (m *Manager) nextGenLocked() uint64 {
	m.gen++
	return m.gen
}

func (m *Manager) stopTimersLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.probe != nil {
		m.probe.Stop()
		m.probe = nil
	}
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// teardownLocked invalidates the current generation and detaches its
// socket. The caller closes the returned conn with closeConn after
// releasing m.mu.
func (m *Manager) teardownLocked() *websocket.Conn {
	m.nextGenLocked()
	m.stopTimersLocked()

	conn := m.conn
	m.conn = nil
	return conn
}

// closeConn sends a normal closure and closes conn. It waits for an
// in-flight write, so it must not run under m.mu.
func (m *Manager) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	conn.Close()
}

func (m *Manager) setStatusLocked(s Status) (changed Status) {
	if m.status == s {
		return ""
	}
	m.status = s
	return s
}

func (m *Manager) notify(s Status) {
	if s == "" {
		return
	}

	m.subMu.Lock()
	subs := make([]func(Status), 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
