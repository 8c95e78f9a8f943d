package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/threadmail/internal/email"
)

// KeyLength is the length of a file content key.
const KeyLength = 32

type fileRow struct {
	ID          int64  `db:"id"`
	Key         string `db:"file_key"`
	Name        string `db:"name"`
	ContentType string `db:"content_type"`
	Data        []byte `db:"data"`
}

// Put stores a file and returns it with its new content key. HTML bodies
// reference the file as cid:<key>.
func (s *SQLiteStore) Put(ctx context.Context, name, contentType string, data []byte) (*email.File, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("file name must not be empty")
	}
	if contentType == "" {
		contentType = email.ContentTypeFor(name)
	}
	if data == nil {
		data = []byte{}
	}

	row := fileRow{
		Key:         NewKey(),
		Name:        name,
		ContentType: contentType,
		Data:        data,
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO files (file_key, name, content_type, data)
		VALUES (:file_key, :name, :content_type, :data)`,
		row,
	)
	if err != nil {
		return nil, fmt.Errorf("storing file %s: %w", name, err)
	}
	row.ID, _ = res.LastInsertId()
	return row.file(), nil
}

// Lookup returns the file stored under key, or nil if there is none.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*email.File, error) {
	var row fileRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, file_key, name, content_type, data FROM files WHERE file_key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up file %s: %w", key, err)
	}
	return row.file(), nil
}

func (r fileRow) file() *email.File {
	return &email.File{
		ID:          r.ID,
		Key:         r.Key,
		Name:        r.Name,
		ContentType: r.ContentType,
		Data:        r.Data,
	}
}

// NewKey returns a random 32-character content key.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
