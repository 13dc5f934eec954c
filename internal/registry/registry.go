// Package registry tracks live socket connections by user and by scope.
package registry

import (
	"sync"

	"myroommate/internal/model"
)

// Conn is a registered socket. Send must not block.
type Conn interface {
	ID() string
	Send(f model.Frame) bool
	IsOpen() bool
}

// Binding is what a connection registered as
type Binding struct {
	UserID string
	Scope  model.Scope
}

type connSet map[Conn]struct{}

// Registry is the process-local index of live connections. Each connection
// belongs to at most one scope group at a time.
type Registry struct {
	mu       sync.RWMutex
	bindings map[Conn]Binding
	users    map[string]connSet
	groups   map[string]connSet
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		bindings: make(map[Conn]Binding),
		users:    make(map[string]connSet),
		groups:   make(map[string]connSet),
	}
}

// Register binds c to a user and a scope. Registering the same connection
// again replaces its previous binding.
func (r *Registry) Register(c Conn, userID string, scope model.Scope) {
	scope = scope.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bindings[c]; ok {
		r.detach(c, prev)
	}

	r.bindings[c] = Binding{UserID: userID, Scope: scope}
	add(r.users, userID, c)
	add(r.groups, scope.Key(), c)
}

// Unregister removes c from every index. It returns the binding c had.
func (r *Registry) Unregister(c Conn) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[c]
	if !ok {
		return Binding{}, false
	}
	r.detach(c, b)
	delete(r.bindings, c)
	return b, true
}

// Lookup returns the binding of c
func (r *Registry) Lookup(c Conn) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[c]
	return b, ok
}

// Broadcast sends f to every open connection of scope and returns how many
// accepted it. Closed connections are skipped; they leave via Unregister.
func (r *Registry) Broadcast(scope model.Scope, f model.Frame) int {
	return r.BroadcastExcept(scope, f, nil)
}

// BroadcastExcept is Broadcast without the connection except.
func (r *Registry) BroadcastExcept(scope model.Scope, f model.Frame, except Conn) int {
	return deliver(r.snapshot(r.groups, scope.Normalize().Key()), f, except)
}

// SendToUser delivers f to every connection of userID. A user without a
// live connection is not an error.
func (r *Registry) SendToUser(userID string, f model.Frame) int {
	return deliver(r.snapshot(r.users, userID), f, nil)
}

// GroupSize returns the number of connections registered under scope
func (r *Registry) GroupSize(scope model.Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[scope.Normalize().Key()])
}

// Groups returns the number of non-empty scope groups
func (r *Registry) Groups() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) detach(c Conn, b Binding) {
	remove(r.users, b.UserID, c)
	remove(r.groups, b.Scope.Key(), c)
}

// snapshot copies a set so sends happen outside the lock.
func (r *Registry) snapshot(index map[string]connSet, key string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := index[key]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func deliver(conns []Conn, f model.Frame, except Conn) int {
	sent := 0
	for _, c := range conns {
		if c == except || !c.IsOpen() {
			continue
		}
		if c.Send(f) {
			sent++
		}
	}
	return sent
}

func add(index map[string]connSet, key string, c Conn) {
	set, ok := index[key]
	if !ok {
		set = make(connSet)
		index[key] = set
	}
	set[c] = struct{}{}
}

func remove(index map[string]connSet, key string, c Conn) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}
