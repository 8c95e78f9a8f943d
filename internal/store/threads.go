package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/threadmail/internal/email"
)

// ThreadEmail is one email logged on a thread.
type ThreadEmail struct {
	ThreadID   uint32 `db:"thread_id"`
	EntryID    uint32 `db:"entry_id"`
	UserID     uint32 `db:"user_id"`
	MessageID  string `db:"message_id"`
	References string `db:"refs"`
}

// RecordEmail logs an email sent on a thread.
func (s *SQLiteStore) RecordEmail(ctx context.Context, e ThreadEmail) error {
	if e.ThreadID == 0 {
		return fmt.Errorf("thread email %q has no thread id", e.MessageID)
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("thread email on thread %d has no message id", e.ThreadID)
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO thread_emails (thread_id, entry_id, user_id, message_id, refs)
		VALUES (:thread_id, :entry_id, :user_id, :message_id, :refs)`,
		e,
	)
	if err != nil {
		return fmt.Errorf("recording email on thread %d: %w", e.ThreadID, err)
	}
	return nil
}

// LastEmail returns the most recent email logged on a thread, optionally
// restricted to one user. A zero userID means no filter. It returns nil
// when the thread has no matching email.
func (s *SQLiteStore) LastEmail(ctx context.Context, threadID, userID uint32) (*email.PriorEmail, error) {
	query := "SELECT thread_id, entry_id, user_id, message_id, refs FROM thread_emails WHERE thread_id = ?"
	args := []any{threadID}
	if userID != 0 {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id DESC LIMIT 1"

	var e ThreadEmail
	if err := s.db.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting last email of thread %d: %w", threadID, err)
	}
	return &email.PriorEmail{MessageID: e.MessageID, References: e.References}, nil
}
