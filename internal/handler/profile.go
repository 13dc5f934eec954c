package handler

import (
	"context"
	"errors"
	"log"
	"sync"

	"myroommate/internal/model"
	"myroommate/internal/store"
)

// ProfileLoader fetches a profile from persistence
type ProfileLoader interface {
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
}

// ProfileCache keeps author profiles for the lifetime of the process.
// Entries are never invalidated; a renamed user shows the old name until
// restart.
type ProfileCache struct {
	loader ProfileLoader

	mu      sync.RWMutex
	entries map[string]model.Profile
}

// NewProfileCache creates an empty cache in front of loader
func NewProfileCache(loader ProfileLoader) *ProfileCache {
	return &ProfileCache{
		loader:  loader,
		entries: make(map[string]model.Profile),
	}
}

// Get returns the cached profile, loading it on a miss. Users without a
// stored profile get a placeholder that is not cached.
func (p *ProfileCache) Get(ctx context.Context, userID string) model.Profile {
	p.mu.RLock()
	prof, ok := p.entries[userID]
	p.mu.RUnlock()
	if ok {
		return prof
	}

	prof, err := p.loader.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[Profiles] ❌ Failed to load profile %s: %v", userID, err)
		}
		return model.Profile{ID: userID}
	}

	p.mu.Lock()
	p.entries[userID] = prof
	p.mu.Unlock()
	return prof
}

// Len returns the number of cached profiles
func (p *ProfileCache) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
