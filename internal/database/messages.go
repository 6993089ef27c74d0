package database

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertMessages stores new messages and ignores ids already present.
// It returns the number of rows actually inserted.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := db.acquire(ctx, "insert messages", func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (id, conversation_id, text, is_business, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range msgs {
			res, err := stmt.ExecContext(ctx, m.ID, m.ConversationID, m.Text, m.IsBusiness, toMicros(m.CreatedAt))
			if err != nil {
				return fmt.Errorf("inserting message %s: %w", m.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
