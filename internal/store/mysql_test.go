package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myroommate/internal/config"
	"myroommate/internal/database"
	"myroommate/internal/model"
)

// setupMySQL テスト用MariaDB接続をセットアップ。DB_HOST が無ければスキップ
func setupMySQL(t *testing.T) *sql.DB {
	t.Helper()

	_ = godotenv.Load("../../.env")
	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping test: DB_HOST is not set")
	}

	cfg := config.Load()
	cfg.DBDriver = "mysql"
	db, err := database.Init(cfg)
	if err != nil {
		t.Skipf("Skipping test: could not connect to test database: %v", err)
	}

	// テストデータをクリア
	wipe := func() {
		db.Exec("DELETE FROM messages")
		db.Exec("DELETE FROM users")
	}
	wipe()
	t.Cleanup(func() {
		wipe()
		db.Close()
	})
	return db
}

func TestMySQL_RoundTrip(t *testing.T) {
	s := New(setupMySQL(t))
	ctx := context.Background()

	require.NoError(t, s.SaveProfile(ctx, model.Profile{ID: "u1", Name: "Aki"}))
	msg := &model.Message{Scope: model.ConversationScope("c1"), UserID: "u1", Content: "こんにちは", ClientMessageID: "tmp-1"}
	require.NoError(t, s.CreateMessage(ctx, msg))

	list, err := s.ListMessages(ctx, model.ConversationScope("c1"), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "こんにちは", list[0].Content)
	assert.True(t, msg.CreatedAt.Equal(list[0].CreatedAt))
	require.NotNil(t, list[0].User)
	assert.Equal(t, "Aki", list[0].User.Name)
}

// 並行メッセージ作成
func TestMySQL_ConcurrentCreate(t *testing.T) {
	db := setupMySQL(t)
	s := New(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CreateMessage(ctx, &model.Message{
				Scope:   model.HouseholdScope("h1"),
				UserID:  fmt.Sprintf("u%d", i),
				Content: "Concurrent message",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, 10, count)
}
