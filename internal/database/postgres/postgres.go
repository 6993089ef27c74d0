// Package postgres implements the conversation store on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
)

// Options configure the pool. Zero values pick defaults.
type Options struct {
	MinConns       int32
	MaxConns       int32
	AcquireTimeout time.Duration
}

// Store is a database.Store backed by Postgres.
type Store struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

var _ database.Store = (*Store)(nil)

// Connect creates a pool for dsn, verifies it with a ping and ensures the schema exists.
func Connect(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	cfg.MinConns = opts.MinConns
	if cfg.MinConns == 0 {
		cfg.MinConns = 5
	}
	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 30
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Store{pool: pool, acquireTimeout: timeout}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// normalizeDSN converts SQLAlchemy-style driver suffixes to a pgx-compatible DSN.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	return s
}

func (s *Store) acquire(ctx context.Context, op string, fn func(conn *pgxpool.Conn) error) error {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	conn, err := s.pool.Acquire(actx)
	cancel()
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("acquiring connection: %w", err))
	}
	defer conn.Release()

	if err := fn(conn); err != nil {
		var classified *apperr.Error
		if errors.As(err, &classified) {
			return err
		}
		return apperr.Persistence(op, err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    counterpart_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    text TEXT NOT NULL DEFAULT '',
    is_business BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reports (
    conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
    analyzed_at TIMESTAMPTZ NOT NULL,
    conversation_title TEXT NOT NULL DEFAULT '',
    counterpart_name TEXT NOT NULL DEFAULT '',
    conversation_created_at TIMESTAMPTZ,
    conversation_updated_at TIMESTAMPTZ,
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
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
CREATE INDEX IF NOT EXISTS idx_reports_analyzed ON reports(analyzed_at);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	return s.acquire(ctx, "ensure schema", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, schema)
		return err
	})
}

// UpsertConversations inserts conversations and overwrites existing rows only
// when the incoming updated_at is strictly newer.
func (s *Store) UpsertConversations(ctx context.Context, convs []database.Conversation) (database.UpsertStats, error) {
	var stats database.UpsertStats
	if len(convs) == 0 {
		return stats, nil
	}

	err := s.acquire(ctx, "upsert conversations", func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			for _, c := range convs {
				var inserted bool
				err := tx.QueryRow(ctx, `
					INSERT INTO conversations AS t (id, title, counterpart_name, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (id) DO UPDATE SET
						title = EXCLUDED.title,
						counterpart_name = EXCLUDED.counterpart_name,
						updated_at = EXCLUDED.updated_at
					WHERE EXCLUDED.updated_at > t.updated_at
					RETURNING (xmax = 0)`,
					c.ID, c.Title, c.CounterpartName, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
				).Scan(&inserted)
				switch {
				case errors.Is(err, pgx.ErrNoRows):
					stats.Unchanged++
				case err != nil:
					return fmt.Errorf("upserting conversation %s: %w", c.ID, err)
				case inserted:
					stats.Inserted++
				default:
					stats.Updated++
				}
			}
			return nil
		})
	})
	if err != nil {
		return database.UpsertStats{}, err
	}
	return stats, nil
}

// UpsertMessages stores new messages and ignores ids already present.
func (s *Store) UpsertMessages(ctx context.Context, msgs []database.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.acquire(ctx, "insert messages", func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, m := range msgs {
				batch.Queue(`
					INSERT INTO messages (id, conversation_id, text, is_business, created_at)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (id) DO NOTHING`,
					m.ID, m.ConversationID, m.Text, m.IsBusiness, m.CreatedAt.UTC())
			}
			results := tx.SendBatch(ctx, batch)
			for _, m := range msgs {
				tag, err := results.Exec()
				if err != nil {
					results.Close()
					return fmt.Errorf("inserting message %s: %w", m.ID, err)
				}
				inserted += int(tag.RowsAffected())
			}
			return results.Close()
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SelectConversationIDs returns every stored conversation id.
func (s *Store) SelectConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.acquire(ctx, "select conversation ids", func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC, id ASC`)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SelectStaleConversationIDs returns conversations lacking an up-to-date report,
// most recently updated first.
func (s *Store) SelectStaleConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.acquire(ctx, "select stale conversations", func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT c.id
			FROM conversations c
			LEFT JOIN reports r ON r.conversation_id = c.id
			WHERE r.conversation_id IS NULL OR c.updated_at > r.analyzed_at
			ORDER BY c.updated_at DESC, c.id ASC`)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// LoadConversationForAnalysis loads a conversation with its ordered transcript.
func (s *Store) LoadConversationForAnalysis(ctx context.Context, id string) (*database.ConversationForAnalysis, error) {
	const op = "load conversation for analysis"
	var out *database.ConversationForAnalysis

	err := s.acquire(ctx, op, func(conn *pgxpool.Conn) error {
		var c database.Conversation
		err := conn.QueryRow(ctx, `
			SELECT id, title, counterpart_name, created_at, updated_at
			FROM conversations WHERE id = $1`, id,
		).Scan(&c.ID, &c.Title, &c.CounterpartName, &c.CreatedAt, &c.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound(op, fmt.Errorf("conversation %s", id))
		}
		if err != nil {
			return err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()

		rows, err := conn.Query(ctx, `
			SELECT id, conversation_id, text, is_business, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at ASC, id ASC`, id)
		if err != nil {
			return err
		}
		msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (database.Message, error) {
			var m database.Message
			err := row.Scan(&m.ID, &m.ConversationID, &m.Text, &m.IsBusiness, &m.CreatedAt)
			m.CreatedAt = m.CreatedAt.UTC()
			return m, err
		})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return apperr.NotFound(op, fmt.Errorf("conversation %s has no messages", id))
		}

		out = &database.ConversationForAnalysis{Conversation: c, Messages: msgs}
		out.CountMessages()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
