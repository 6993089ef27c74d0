package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
)

// UpsertConversations inserts new conversations and overwrites existing ones
// only when the incoming updated_at is strictly newer. The batch is atomic.
func (db *DB) UpsertConversations(ctx context.Context, convs []Conversation) (UpsertStats, error) {
	var stats UpsertStats
	if len(convs) == 0 {
		return stats, nil
	}

	err := db.acquire(ctx, "upsert conversations", func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO conversations (id, title, counterpart_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer insert.Close()

		update, err := tx.PrepareContext(ctx, `
			UPDATE conversations
			SET title = ?, counterpart_name = ?, updated_at = ?
			WHERE id = ? AND updated_at < ?`)
		if err != nil {
			return err
		}
		defer update.Close()

		for _, c := range convs {
			updatedAt := toMicros(c.UpdatedAt)
			res, err := insert.ExecContext(ctx, c.ID, c.Title, c.CounterpartName, toMicros(c.CreatedAt), updatedAt)
			if err != nil {
				return fmt.Errorf("inserting conversation %s: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Inserted++
				continue
			}

			res, err = update.ExecContext(ctx, c.Title, c.CounterpartName, updatedAt, c.ID, updatedAt)
			if err != nil {
				return fmt.Errorf("updating conversation %s: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Updated++
			} else {
				stats.Unchanged++
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return UpsertStats{}, err
	}
	return stats, nil
}

// SelectStaleConversationIDs returns conversations that have no report or whose
// report predates the latest activity, most recently updated first.
func (db *DB) SelectStaleConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.acquire(ctx, "select stale conversations", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT c.id
			FROM conversations c
			LEFT JOIN reports r ON r.conversation_id = c.id
			WHERE r.conversation_id IS NULL OR c.updated_at > r.analyzed_at
			ORDER BY c.updated_at DESC, c.id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// LoadConversationForAnalysis loads a conversation with its transcript ordered
// by creation time. A missing conversation or an empty transcript is NotFound.
func (db *DB) LoadConversationForAnalysis(ctx context.Context, id string) (*ConversationForAnalysis, error) {
	const op = "load conversation for analysis"
	var out *ConversationForAnalysis

	err := db.acquire(ctx, op, func(conn *sql.Conn) error {
		var c Conversation
		var createdAt, updatedAt int64
		err := conn.QueryRowContext(ctx, `
			SELECT id, title, counterpart_name, created_at, updated_at
			FROM conversations WHERE id = ?`, id,
		).Scan(&c.ID, &c.Title, &c.CounterpartName, &createdAt, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, fmt.Errorf("conversation %s", id))
		}
		if err != nil {
			return err
		}
		c.CreatedAt = fromMicros(createdAt)
		c.UpdatedAt = fromMicros(updatedAt)

		rows, err := conn.QueryContext(ctx, `
			SELECT id, conversation_id, text, is_business, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		result := &ConversationForAnalysis{Conversation: c}
		for rows.Next() {
			var m Message
			var ts int64
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Text, &m.IsBusiness, &ts); err != nil {
				return err
			}
			m.CreatedAt = fromMicros(ts)
			result.Messages = append(result.Messages, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(result.Messages) == 0 {
			return apperr.NotFound(op, fmt.Errorf("conversation %s has no messages", id))
		}
		result.CountMessages()
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountMessages fills the total, business and counterpart counts from Messages.
func (c *ConversationForAnalysis) CountMessages() {
	c.TotalMessages = len(c.Messages)
	c.BusinessMessages = 0
	for _, m := range c.Messages {
		if m.IsBusiness {
			c.BusinessMessages++
		}
	}
	c.CounterpartMessages = c.TotalMessages - c.BusinessMessages
}

// SelectConversationIDs returns every stored conversation id.
func (db *DB) SelectConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.acquire(ctx, "select conversation ids", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC, id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
