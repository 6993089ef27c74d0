package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC)

func conv(id string, updated time.Time) Conversation {
	return Conversation{
		ID:              id,
		Title:           "Объявление " + id,
		CounterpartName: "Иван",
		CreatedAt:       base.Add(-24 * time.Hour),
		UpdatedAt:       updated,
	}
}

func report(id string, analyzed time.Time) Report {
	created := base.Add(-24 * time.Hour)
	return Report{
		ConversationID:        id,
		AnalyzedAt:            analyzed,
		ConversationTitle:     "Объявление " + id,
		CounterpartName:       "Иван",
		ConversationCreatedAt: &created,
		TotalMessages:         3,
		BusinessMessages:      2,
		CounterpartMessages:   1,
		Tonality:              Assessment{Grade: "5", Comment: "вежливо"},
		Closure:               Assessment{Grade: "4", Comment: "договорились"},
		Summary:               "summary",
		Recommendations:       "recs",
	}
}

func TestUpsertConversationsNewerWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stats, err := db.UpsertConversations(ctx, []Conversation{conv("c1", base), conv("c2", base)})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 0 || stats.Unchanged != 0 {
		t.Errorf("first upsert stats = %+v", stats)
	}

	// Same timestamps are a no-op.
	stats, err = db.UpsertConversations(ctx, []Conversation{conv("c1", base), conv("c2", base)})
	if err != nil {
		t.Fatalf("repeat upsert: %v", err)
	}
	if stats.Unchanged != 2 {
		t.Errorf("repeat upsert stats = %+v, want 2 unchanged", stats)
	}

	// Older data must not overwrite newer.
	older := conv("c1", base.Add(-time.Hour))
	older.Title = "old title"
	newer := conv("c2", base.Add(time.Hour))
	newer.Title = "new title"
	stats, err = db.UpsertConversations(ctx, []Conversation{older, newer})
	if err != nil {
		t.Fatalf("mixed upsert: %v", err)
	}
	if stats.Updated != 1 || stats.Unchanged != 1 {
		t.Errorf("mixed upsert stats = %+v", stats)
	}

	var title string
	var updated int64
	if err := db.conn.QueryRow(`SELECT title, updated_at FROM conversations WHERE id = 'c1'`).Scan(&title, &updated); err != nil {
		t.Fatalf("query c1: %v", err)
	}
	if title == "old title" || !fromMicros(updated).Equal(base) {
		t.Errorf("c1 was overwritten by older data: title=%q updated=%v", title, fromMicros(updated))
	}
	if err := db.conn.QueryRow(`SELECT title FROM conversations WHERE id = 'c2'`).Scan(&title); err != nil {
		t.Fatalf("query c2: %v", err)
	}
	if title != "new title" {
		t.Errorf("c2 title = %q, want %q", title, "new title")
	}
}

func TestUpsertConversationsEmpty(t *testing.T) {
	db := openTestDB(t)
	stats, err := db.UpsertConversations(context.Background(), nil)
	if err != nil {
		t.Fatalf("UpsertConversations: %v", err)
	}
	if stats != (UpsertStats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestUpsertMessagesImmutable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("c1", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msgs := []Message{
		{ID: "m1", ConversationID: "c1", Text: "Здравствуйте", IsBusiness: false, CreatedAt: base},
		{ID: "m2", ConversationID: "c1", Text: "Добрый день", IsBusiness: true, CreatedAt: base.Add(time.Minute)},
	}
	n, err := db.UpsertMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	changed := msgs[0]
	changed.Text = "edited"
	n, err = db.UpsertMessages(ctx, []Message{changed, {ID: "m3", ConversationID: "c1", Text: "ok", CreatedAt: base.Add(2 * time.Minute)}})
	if err != nil {
		t.Fatalf("second UpsertMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	var text string
	if err := db.conn.QueryRow(`SELECT text FROM messages WHERE id = 'm1'`).Scan(&text); err != nil {
		t.Fatalf("query: %v", err)
	}
	if text != "Здравствуйте" {
		t.Errorf("m1 text = %q, stored message was modified", text)
	}
}

func TestSelectStaleConversationIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	convs := []Conversation{
		conv("fresh", base),
		conv("never", base.Add(2*time.Hour)),
		conv("stale", base.Add(time.Hour)),
	}
	if _, err := db.UpsertConversations(ctx, convs); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reports := []Report{
		report("fresh", base.Add(30*time.Minute)),
		report("stale", base.Add(30*time.Minute)),
	}
	if _, err := db.UpsertReports(ctx, reports); err != nil {
		t.Fatalf("upsert reports: %v", err)
	}

	ids, err := db.SelectStaleConversationIDs(ctx)
	if err != nil {
		t.Fatalf("SelectStaleConversationIDs: %v", err)
	}
	want := []string{"never", "stale"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestLoadConversationForAnalysis(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("c1", base), conv("empty", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	msgs := []Message{
		{ID: "m3", ConversationID: "c1", Text: "третье", IsBusiness: true, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "m1", ConversationID: "c1", Text: "первое", CreatedAt: base},
		{ID: "m2", ConversationID: "c1", Text: "второе", IsBusiness: true, CreatedAt: base.Add(time.Minute)},
	}
	if _, err := db.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	c, err := db.LoadConversationForAnalysis(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadConversationForAnalysis: %v", err)
	}
	if c.TotalMessages != 3 || c.BusinessMessages != 2 || c.CounterpartMessages != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", c.TotalMessages, c.BusinessMessages, c.CounterpartMessages)
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if c.Messages[i].ID != id {
			t.Errorf("Messages[%d] = %s, want %s", i, c.Messages[i].ID, id)
		}
	}
	if c.Title != "Объявление c1" {
		t.Errorf("Title = %q", c.Title)
	}

	_, err = db.LoadConversationForAnalysis(ctx, "empty")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("empty conversation err = %v, want NotFound", err)
	}
	_, err = db.LoadConversationForAnalysis(ctx, "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing conversation err = %v, want NotFound", err)
	}
}

func TestUpsertReportsNewerWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("c1", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first := report("c1", base.Add(time.Hour))
	stats, err := db.UpsertReports(ctx, []Report{first})
	if err != nil {
		t.Fatalf("UpsertReports: %v", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("stats = %+v, want 1 inserted", stats)
	}

	older := report("c1", base)
	older.Summary = "older"
	stats, err = db.UpsertReports(ctx, []Report{older})
	if err != nil {
		t.Fatalf("UpsertReports older: %v", err)
	}
	if stats.Unchanged != 1 {
		t.Errorf("stats = %+v, want 1 unchanged", stats)
	}

	newer := report("c1", base.Add(2*time.Hour))
	newer.Summary = "newer"
	newer.Tonality = Assessment{Grade: "3", Comment: "сухо"}
	stats, err = db.UpsertReports(ctx, []Report{newer})
	if err != nil {
		t.Fatalf("UpsertReports newer: %v", err)
	}
	if stats.Updated != 1 {
		t.Errorf("stats = %+v, want 1 updated", stats)
	}

	got, err := db.GetReport(ctx, "c1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Summary != "newer" || got.Tonality.Grade != "3" {
		t.Errorf("report = %+v, want newer content", got)
	}
	if !got.AnalyzedAt.Equal(newer.AnalyzedAt) {
		t.Errorf("AnalyzedAt = %v, want %v", got.AnalyzedAt, newer.AnalyzedAt)
	}
	if got.ConversationCreatedAt == nil || !got.ConversationCreatedAt.Equal(base.Add(-24*time.Hour)) {
		t.Errorf("ConversationCreatedAt = %v", got.ConversationCreatedAt)
	}
	if got.ConversationUpdatedAt != nil {
		t.Errorf("ConversationUpdatedAt = %v, want nil", got.ConversationUpdatedAt)
	}
}

func TestGetReportNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetReport(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestSelectReportsRange(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("a", base), conv("b", base), conv("c", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	day := time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)
	reports := []Report{
		report("a", day.Add(9*time.Hour)),
		report("b", day.Add(18*time.Hour)),
		report("c", day.AddDate(0, 0, 1).Add(time.Hour)),
	}
	if _, err := db.UpsertReports(ctx, reports); err != nil {
		t.Fatalf("UpsertReports: %v", err)
	}

	start, end := DayRange(day, day)
	got, err := db.SelectReports(ctx, start, end)
	if err != nil {
		t.Fatalf("SelectReports: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d reports, want 2", len(got))
	}
	if got[0].ConversationID != "b" || got[1].ConversationID != "a" {
		t.Errorf("order = %s,%s, want b,a", got[0].ConversationID, got[1].ConversationID)
	}

	// Bounds are inclusive.
	got, err = db.SelectReports(ctx, day.Add(9*time.Hour), day.Add(9*time.Hour))
	if err != nil {
		t.Fatalf("SelectReports exact: %v", err)
	}
	if len(got) != 1 || got[0].ConversationID != "a" {
		t.Errorf("exact bound got %v", got)
	}
}

func TestSelectReportsEmptyAndInvalid(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	got, err := db.SelectReports(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("SelectReports: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}

	_, err = db.SelectReports(ctx, base.Add(time.Hour), base)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("a", base), conv("b", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := db.UpsertMessages(ctx, []Message{{ID: "m1", ConversationID: "a", Text: "hi", CreatedAt: base}}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if _, err := db.UpsertReports(ctx, []Report{report("a", base.Add(time.Hour))}); err != nil {
		t.Fatalf("UpsertReports: %v", err)
	}

	s, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	want := Stats{Conversations: 2, Messages: 1, Reports: 1, StaleConversations: 1}
	if *s != want {
		t.Errorf("stats = %+v, want %+v", *s, want)
	}
}

func TestAcquireTimeout(t *testing.T) {
	db, err := OpenWithOptions(filepath.Join(t.TempDir(), "pool.db"), Options{MaxOpenConns: 1, AcquireTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenWithOptions: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	held, err := db.conn.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer held.Close()

	_, err = db.GetStats(ctx)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Errorf("err = %v, want Persistence", err)
	}
}

func TestSelectConversationIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("a", base), conv("b", base.Add(time.Hour))}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ids, err := db.SelectConversationIDs(ctx)
	if err != nil {
		t.Fatalf("SelectConversationIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Errorf("ids = %v, want [b a]", ids)
	}
}

func TestUpsertReportReportsWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("c1", base)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	written, err := db.UpsertReport(ctx, report("c1", base))
	if err != nil || !written {
		t.Fatalf("first UpsertReport = %v, %v; want true", written, err)
	}
	written, err = db.UpsertReport(ctx, report("c1", base))
	if err != nil || written {
		t.Errorf("tie UpsertReport = %v, %v; want false", written, err)
	}
}

func TestStalenessFollowsActivity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t100 := time.Unix(100, 0).UTC()
	if _, err := db.UpsertConversations(ctx, []Conversation{conv("C1", t100)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ids, _ := db.SelectStaleConversationIDs(ctx)
	if len(ids) != 1 {
		t.Fatalf("stale before report = %v, want [C1]", ids)
	}

	// A report stamped exactly at updated_at is current.
	if _, err := db.UpsertReport(ctx, report("C1", t100)); err != nil {
		t.Fatalf("UpsertReport: %v", err)
	}
	if _, err := db.UpsertConversations(ctx, []Conversation{conv("C1", t100)}); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	ids, _ = db.SelectStaleConversationIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("stale after report = %v, want none", ids)
	}

	if _, err := db.UpsertConversations(ctx, []Conversation{conv("C1", time.Unix(150, 0).UTC())}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ids, _ = db.SelectStaleConversationIDs(ctx)
	if len(ids) != 1 || ids[0] != "C1" {
		t.Errorf("stale after new activity = %v, want [C1]", ids)
	}
}
