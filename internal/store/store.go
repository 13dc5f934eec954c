package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"myroommate/internal/model"
)

// ErrNotFound is returned when a profile does not exist
var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store is the persistence collaborator shared by the socket and HTTP paths
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an opened and migrated database
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateMessage persists msg. The id and timestamp are assigned here and
// written back into msg. A message the same user already sent with the same
// clientMessageId is not stored twice; msg gets the stored id and time.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	msg.Scope = msg.Scope.Normalize()

	if msg.ClientMessageID != "" {
		found, err := s.findByClientID(ctx, msg)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}

	msg.ID = uuid.New().String()
	msg.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, household_id, conversation_id, user_id, content, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.HouseholdID, msg.ConversationID, msg.UserID, msg.Content, msg.ClientMessageID,
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// findByClientID fills msg.ID and msg.CreatedAt from an earlier insert of
// the same send.
func (s *Store) findByClientID(ctx context.Context, msg *model.Message) (bool, error) {
	var createdMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM messages WHERE user_id = ? AND client_message_id = ? LIMIT 1",
		msg.UserID, msg.ClientMessageID,
	).Scan(&msg.ID, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query client message id: %w", err)
	}
	msg.CreatedAt = time.UnixMilli(createdMs).UTC()
	return true, nil
}

// ListMessages returns the newest messages of a scope in ascending order.
func (s *Store) ListMessages(ctx context.Context, scope model.Scope, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	scope = scope.Normalize()

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.household_id, m.conversation_id, m.user_id, m.content, m.client_message_id, m.created_at,
			u.id, u.name, u.profile_image_url
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.household_id = ? AND m.conversation_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`,
		scope.HouseholdID, scope.ConversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			msg       model.Message
			createdMs int64
			uid       sql.NullString
			name      sql.NullString
			image     sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.HouseholdID, &msg.ConversationID, &msg.UserID, &msg.Content,
			&msg.ClientMessageID, &createdMs, &uid, &name, &image); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()
		if uid.Valid {
			msg.User = &model.Profile{ID: uid.String, Name: name.String, ProfileImageURL: image.String}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// query is newest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetProfile loads a user's display data
func (s *Store) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	var p model.Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, profile_image_url FROM users WHERE id = ?", userID,
	).Scan(&p.ID, &p.Name, &p.ProfileImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}

// SaveProfile inserts or updates a user's display data
func (s *Store) SaveProfile(ctx context.Context, p model.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", p.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check profile: %w", err)
	}

	if exists {
		_, err = tx.ExecContext(ctx, "UPDATE users SET name = ?, profile_image_url = ? WHERE id = ?",
			p.Name, p.ProfileImageURL, p.ID)
	} else {
		_, err = tx.ExecContext(ctx, "INSERT INTO users (id, name, profile_image_url) VALUES (?, ?, ?)",
			p.ID, p.Name, p.ProfileImageURL)
	}
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return tx.Commit()
}
