package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"myroommate/internal/model"
	"myroommate/internal/store"
)

type countingLoader struct {
	profiles map[string]model.Profile
	calls    int
}

func (l *countingLoader) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	l.calls++
	p, ok := l.profiles[userID]
	if !ok {
		return model.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func TestProfileCache(t *testing.T) {
	loader := &countingLoader{profiles: map[string]model.Profile{"u1": {ID: "u1", Name: "Ana"}}}
	cache := NewProfileCache(loader)
	ctx := context.Background()

	assert.Equal(t, "Ana", cache.Get(ctx, "u1").Name)
	loader.profiles["u1"] = model.Profile{ID: "u1", Name: "Renamed"}
	assert.Equal(t, "Ana", cache.Get(ctx, "u1").Name, "cached profiles are not refreshed")
	assert.Equal(t, 1, loader.calls)

	// 見つからないユーザーはキャッシュしない
	assert.Equal(t, model.Profile{ID: "ghost"}, cache.Get(ctx, "ghost"))
	cache.Get(ctx, "ghost")
	assert.Equal(t, 3, loader.calls)
	assert.Equal(t, 1, cache.Len())
}
