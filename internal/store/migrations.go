package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_emails (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id   INTEGER NOT NULL,
	entry_id    INTEGER NOT NULL DEFAULT 0,
	user_id     INTEGER NOT NULL DEFAULT 0,
	message_id  TEXT NOT NULL,
	refs        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_thread_emails_thread ON thread_emails (thread_id, user_id);

CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	file_key      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
	data          BLOB NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
