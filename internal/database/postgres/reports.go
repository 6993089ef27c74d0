package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
)

const reportColumns = `conversation_id, analyzed_at, conversation_title, counterpart_name,
	conversation_created_at, conversation_updated_at,
	total_messages, business_messages, counterpart_messages,
	tonality_grade, tonality_comment,
	professionalism_grade, professionalism_comment,
	clarity_grade, clarity_comment,
	problem_solving_grade, problem_solving_comment,
	objection_handling_grade, objection_handling_comment,
	closure_grade, closure_comment,
	summary, recommendations`

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanReport(row pgx.Row) (database.Report, error) {
	var r database.Report
	err := row.Scan(
		&r.ConversationID, &r.AnalyzedAt, &r.ConversationTitle, &r.CounterpartName,
		&r.ConversationCreatedAt, &r.ConversationUpdatedAt,
		&r.TotalMessages, &r.BusinessMessages, &r.CounterpartMessages,
		&r.Tonality.Grade, &r.Tonality.Comment,
		&r.Professionalism.Grade, &r.Professionalism.Comment,
		&r.Clarity.Grade, &r.Clarity.Comment,
		&r.ProblemSolving.Grade, &r.ProblemSolving.Comment,
		&r.ObjectionHandling.Grade, &r.ObjectionHandling.Comment,
		&r.Closure.Grade, &r.Closure.Comment,
		&r.Summary, &r.Recommendations,
	)
	r.AnalyzedAt = r.AnalyzedAt.UTC()
	r.ConversationCreatedAt = utcPtr(r.ConversationCreatedAt)
	r.ConversationUpdatedAt = utcPtr(r.ConversationUpdatedAt)
	return r, err
}

// UpsertReport stores one report and reports whether it was written.
func (s *Store) UpsertReport(ctx context.Context, report database.Report) (bool, error) {
	stats, err := s.UpsertReports(ctx, []database.Report{report})
	if err != nil {
		return false, err
	}
	return stats.Inserted+stats.Updated > 0, nil
}

// UpsertReports inserts reports and replaces existing ones only when the
// incoming analyzed_at is strictly newer.
func (s *Store) UpsertReports(ctx context.Context, reports []database.Report) (database.UpsertStats, error) {
	var stats database.UpsertStats
	if len(reports) == 0 {
		return stats, nil
	}

	err := s.acquire(ctx, "upsert reports", func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			for _, r := range reports {
				var inserted bool
				err := tx.QueryRow(ctx, `
					INSERT INTO reports AS t (`+reportColumns+`)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
					ON CONFLICT (conversation_id) DO UPDATE SET
						analyzed_at = EXCLUDED.analyzed_at,
						conversation_title = EXCLUDED.conversation_title,
						counterpart_name = EXCLUDED.counterpart_name,
						conversation_created_at = EXCLUDED.conversation_created_at,
						conversation_updated_at = EXCLUDED.conversation_updated_at,
						total_messages = EXCLUDED.total_messages,
						business_messages = EXCLUDED.business_messages,
						counterpart_messages = EXCLUDED.counterpart_messages,
						tonality_grade = EXCLUDED.tonality_grade,
						tonality_comment = EXCLUDED.tonality_comment,
						professionalism_grade = EXCLUDED.professionalism_grade,
						professionalism_comment = EXCLUDED.professionalism_comment,
						clarity_grade = EXCLUDED.clarity_grade,
						clarity_comment = EXCLUDED.clarity_comment,
						problem_solving_grade = EXCLUDED.problem_solving_grade,
						problem_solving_comment = EXCLUDED.problem_solving_comment,
						objection_handling_grade = EXCLUDED.objection_handling_grade,
						objection_handling_comment = EXCLUDED.objection_handling_comment,
						closure_grade = EXCLUDED.closure_grade,
						closure_comment = EXCLUDED.closure_comment,
						summary = EXCLUDED.summary,
						recommendations = EXCLUDED.recommendations
					WHERE EXCLUDED.analyzed_at > t.analyzed_at
					RETURNING (xmax = 0)`,
					r.ConversationID, r.AnalyzedAt.UTC(), r.ConversationTitle, r.CounterpartName,
					utcPtr(r.ConversationCreatedAt), utcPtr(r.ConversationUpdatedAt),
					r.TotalMessages, r.BusinessMessages, r.CounterpartMessages,
					r.Tonality.Grade, r.Tonality.Comment,
					r.Professionalism.Grade, r.Professionalism.Comment,
					r.Clarity.Grade, r.Clarity.Comment,
					r.ProblemSolving.Grade, r.ProblemSolving.Comment,
					r.ObjectionHandling.Grade, r.ObjectionHandling.Comment,
					r.Closure.Grade, r.Closure.Comment,
					r.Summary, r.Recommendations,
				).Scan(&inserted)
				switch {
				case errors.Is(err, pgx.ErrNoRows):
					stats.Unchanged++
				case err != nil:
					return fmt.Errorf("upserting report %s: %w", r.ConversationID, err)
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

// SelectReports returns reports analyzed within [start, end], newest first.
func (s *Store) SelectReports(ctx context.Context, start, end time.Time) ([]database.Report, error) {
	const op = "select reports"
	if start.After(end) {
		return nil, apperr.Validation(op, fmt.Errorf("start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	reports := []database.Report{}
	err := s.acquire(ctx, op, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+reportColumns+`
			FROM reports
			WHERE analyzed_at BETWEEN $1 AND $2
			ORDER BY analyzed_at DESC, conversation_id ASC`,
			start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReport(rows)
			if err != nil {
				return err
			}
			reports = append(reports, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// GetReport returns the stored report for a conversation.
func (s *Store) GetReport(ctx context.Context, conversationID string) (*database.Report, error) {
	const op = "get report"
	var out *database.Report
	err := s.acquire(ctx, op, func(conn *pgxpool.Conn) error {
		r, err := scanReport(conn.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE conversation_id = $1`, conversationID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound(op, fmt.Errorf("report for %s", conversationID))
		}
		if err != nil {
			return err
		}
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats returns row counts and the size of the analysis backlog.
func (s *Store) GetStats(ctx context.Context) (*database.Stats, error) {
	var st database.Stats
	err := s.acquire(ctx, "get stats", func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT
				(SELECT COUNT(*) FROM conversations),
				(SELECT COUNT(*) FROM messages),
				(SELECT COUNT(*) FROM reports),
				(SELECT COUNT(*) FROM conversations c
				 LEFT JOIN reports r ON r.conversation_id = c.id
				 WHERE r.conversation_id IS NULL OR c.updated_at > r.analyzed_at)`,
		).Scan(&st.Conversations, &st.Messages, &st.Reports, &st.StaleConversations)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
