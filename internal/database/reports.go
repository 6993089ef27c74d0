package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
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

// reportValues returns the report fields in reportColumns order.
func reportValues(r Report) []any {
	return []any{
		r.ConversationID, toMicros(r.AnalyzedAt), r.ConversationTitle, r.CounterpartName,
		nullableMicros(r.ConversationCreatedAt), nullableMicros(r.ConversationUpdatedAt),
		r.TotalMessages, r.BusinessMessages, r.CounterpartMessages,
		r.Tonality.Grade, r.Tonality.Comment,
		r.Professionalism.Grade, r.Professionalism.Comment,
		r.Clarity.Grade, r.Clarity.Comment,
		r.ProblemSolving.Grade, r.ProblemSolving.Comment,
		r.ObjectionHandling.Grade, r.ObjectionHandling.Comment,
		r.Closure.Grade, r.Closure.Comment,
		r.Summary, r.Recommendations,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(s rowScanner) (Report, error) {
	var r Report
	var analyzedAt int64
	var created, updated sql.NullInt64
	err := s.Scan(
		&r.ConversationID, &analyzedAt, &r.ConversationTitle, &r.CounterpartName,
		&created, &updated,
		&r.TotalMessages, &r.BusinessMessages, &r.CounterpartMessages,
		&r.Tonality.Grade, &r.Tonality.Comment,
		&r.Professionalism.Grade, &r.Professionalism.Comment,
		&r.Clarity.Grade, &r.Clarity.Comment,
		&r.ProblemSolving.Grade, &r.ProblemSolving.Comment,
		&r.ObjectionHandling.Grade, &r.ObjectionHandling.Comment,
		&r.Closure.Grade, &r.Closure.Comment,
		&r.Summary, &r.Recommendations,
	)
	if err != nil {
		return Report{}, err
	}
	r.AnalyzedAt = fromMicros(analyzedAt)
	r.ConversationCreatedAt = fromNullableMicros(created)
	r.ConversationUpdatedAt = fromNullableMicros(updated)
	return r, nil
}

// UpsertReport stores one report and reports whether it was written.
func (db *DB) UpsertReport(ctx context.Context, report Report) (bool, error) {
	stats, err := db.UpsertReports(ctx, []Report{report})
	if err != nil {
		return false, err
	}
	return stats.Inserted+stats.Updated > 0, nil
}

// UpsertReports inserts reports and replaces an existing one only when the
// incoming analyzed_at is strictly newer. The batch is atomic.
func (db *DB) UpsertReports(ctx context.Context, reports []Report) (UpsertStats, error) {
	var stats UpsertStats
	if len(reports) == 0 {
		return stats, nil
	}

	err := db.acquire(ctx, "upsert reports", func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO reports (`+reportColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer insert.Close()

		update, err := tx.PrepareContext(ctx, `
			UPDATE reports SET
				analyzed_at = ?, conversation_title = ?, counterpart_name = ?,
				conversation_created_at = ?, conversation_updated_at = ?,
				total_messages = ?, business_messages = ?, counterpart_messages = ?,
				tonality_grade = ?, tonality_comment = ?,
				professionalism_grade = ?, professionalism_comment = ?,
				clarity_grade = ?, clarity_comment = ?,
				problem_solving_grade = ?, problem_solving_comment = ?,
				objection_handling_grade = ?, objection_handling_comment = ?,
				closure_grade = ?, closure_comment = ?,
				summary = ?, recommendations = ?
			WHERE conversation_id = ? AND analyzed_at < ?`)
		if err != nil {
			return err
		}
		defer update.Close()

		for _, r := range reports {
			vals := reportValues(r)
			res, err := insert.ExecContext(ctx, vals...)
			if err != nil {
				return fmt.Errorf("inserting report %s: %w", r.ConversationID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				stats.Inserted++
				continue
			}

			args := append(vals[1:len(vals):len(vals)], r.ConversationID, toMicros(r.AnalyzedAt))
			res, err = update.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("updating report %s: %w", r.ConversationID, err)
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

// SelectReports returns reports analyzed within [start, end], newest first.
func (db *DB) SelectReports(ctx context.Context, start, end time.Time) ([]Report, error) {
	const op = "select reports"
	if start.After(end) {
		return nil, apperr.Validation(op, fmt.Errorf("start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	reports := []Report{}
	err := db.acquire(ctx, op, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT `+reportColumns+`
			FROM reports
			WHERE analyzed_at BETWEEN ? AND ?
			ORDER BY analyzed_at DESC, conversation_id ASC`,
			toMicros(start), toMicros(end))
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
func (db *DB) GetReport(ctx context.Context, conversationID string) (*Report, error) {
	const op = "get report"
	var out *Report
	err := db.acquire(ctx, op, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE conversation_id = ?`, conversationID)
		r, err := scanReport(row)
		if errors.Is(err, sql.ErrNoRows) {
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
