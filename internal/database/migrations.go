package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
// Timestamps are stored as unix microseconds so comparisons stay numeric.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    counterpart_name TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    text TEXT NOT NULL DEFAULT '',
    is_business INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
    conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
    analyzed_at INTEGER NOT NULL,
    conversation_title TEXT NOT NULL DEFAULT '',
    counterpart_name TEXT NOT NULL DEFAULT '',
    conversation_created_at INTEGER,
    conversation_updated_at INTEGER,
    total_messages INTEGER NOT NULL DEFAULT 0,
    business_messages INTEGER NOT NULL DEFAULT 0,
    counterpart_messages INTEGER NOT NULL DEFAULT 0,
    tonality_grade TEXT NOT NULL DEFAULT '',
    tonality_comment TEXT NOT NULL DEFAULT '',
    professionalism_grade TEXT NOT NULL DEFAULT '',
    professionalism_comment TEXT NOT NULL DEFAULT '',
    clarity_grade TEXT NOT NULL DEFAULT '',
    clarity_comment TEXT NOT NULL DEFAULT '',
    problem_solving_grade TEXT NOT NULL DEFAULT '',
    problem_solving_comment TEXT NOT NULL DEFAULT '',
    objection_handling_grade TEXT NOT NULL DEFAULT '',
    objection_handling_comment TEXT NOT NULL DEFAULT '',
    closure_grade TEXT NOT NULL DEFAULT '',
    closure_comment TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    recommendations TEXT NOT NULL DEFAULT ''
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "lookup indexes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
CREATE INDEX IF NOT EXISTS idx_reports_analyzed ON reports(analyzed_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
