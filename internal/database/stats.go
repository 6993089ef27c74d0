package database

import (
	"context"
	"database/sql"
)

// GetStats returns row counts and the size of the analysis backlog.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.acquire(ctx, "get stats", func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM conversations),
				(SELECT COUNT(*) FROM messages),
				(SELECT COUNT(*) FROM reports),
				(SELECT COUNT(*) FROM conversations c
				 LEFT JOIN reports r ON r.conversation_id = c.id
				 WHERE r.conversation_id IS NULL OR c.updated_at > r.analyzed_at)`,
		).Scan(&s.Conversations, &s.Messages, &s.Reports, &s.StaleConversations)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}
