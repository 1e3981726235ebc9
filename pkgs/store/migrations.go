package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL,
	name          TEXT NOT NULL,
	delimiter     TEXT NOT NULL DEFAULT '',
	status        INTEGER NOT NULL DEFAULT 0,
	server_count  INTEGER NOT NULL DEFAULT 0,
	server_unread INTEGER NOT NULL DEFAULT 0,
	UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	folder_id    TEXT NOT NULL DEFAULT '',
	server_uid   TEXT NOT NULL DEFAULT '',
	kind         INTEGER NOT NULL DEFAULT 1,
	sender       TEXT NOT NULL DEFAULT '{}',
	recipients   TEXT NOT NULL DEFAULT '{}',
	subject      TEXT NOT NULL DEFAULT '',
	sent_at      DATETIME,
	message_id   TEXT NOT NULL DEFAULT '',
	in_reply_to  TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	flags        INTEGER NOT NULL DEFAULT 0,
	status       INTEGER NOT NULL DEFAULT 0,
	content      BLOB,
	received_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_account_uid ON messages(account_id, server_uid);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS deletions (
	account_id TEXT NOT NULL,
	folder_id  TEXT NOT NULL DEFAULT '',
	server_uid TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, server_uid)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
