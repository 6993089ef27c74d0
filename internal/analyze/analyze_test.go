package analyze

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/llm"
)

type fakeGrader struct {
	fail  map[string]bool
	panic map[string]bool
	calls int32
}

func (f *fakeGrader) GradeDialog(_ context.Context, p llm.Prompt) (*llm.GradeDTO, error) {
	atomic.AddInt32(&f.calls, 1)
	for id := range f.panic {
		if containsTitle(p.User, id) {
			panic("grader exploded")
		}
	}
	for id := range f.fail {
		if containsTitle(p.User, id) {
			return nil, apperr.Malformed("grading dialog", errors.New("not json"))
		}
	}
	return &llm.GradeDTO{
		Tonality: llm.Criterion{Grade: "Высокая", Comment: "ok"},
		Summary:  "итог",
	}, nil
}

func containsTitle(user, id string) bool {
	return strings.Contains(user, `"title-`+id+`"`)
}

var base = time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *database.DB, ids ...string) {
	t.Helper()
	ctx := context.Background()
	var convs []database.Conversation
	var msgs []database.Message
	for i, id := range ids {
		convs = append(convs, database.Conversation{
			ID: id, Title: "title-" + id, CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		msgs = append(msgs,
			database.Message{ID: id + "-1", ConversationID: id, Text: "вопрос", CreatedAt: base},
			database.Message{ID: id + "-2", ConversationID: id, Text: "ответ", IsBusiness: true, CreatedAt: base.Add(time.Second)},
		)
	}
	if _, err := db.UpsertConversations(ctx, convs); err != nil {
		t.Fatalf("UpsertConversations: %v", err)
	}
	if _, err := db.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "analyze.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunIsolatesFailures(t *testing.T) {
	db := openTestDB(t)
	ids := []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	seed(t, db, ids...)

	g := &fakeGrader{fail: map[string]bool{"c3": true}, panic: map[string]bool{"c5": true}}
	res, err := New(db, g, 4).WithClock(func() time.Time { return base.Add(time.Hour) }).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stale != 8 || res.Attempted != 8 || res.Succeeded != 6 || res.Failed != 2 {
		t.Errorf("result = %+v", res)
	}
	failed := map[string]bool{}
	for _, id := range res.FailedIDs {
		failed[id] = true
	}
	if !failed["c3"] || !failed["c5"] {
		t.Errorf("FailedIDs = %v, want c3 and c5", res.FailedIDs)
	}

	ctx := context.Background()
	for _, id := range ids {
		_, err := db.GetReport(ctx, id)
		switch {
		case failed[id] && !errors.Is(err, apperr.ErrNotFound):
			t.Errorf("report for failed %s: err = %v, want NotFound", id, err)
		case !failed[id] && err != nil:
			t.Errorf("report for %s: %v", id, err)
		}
	}

	stale, err := db.SelectStaleConversationIDs(ctx)
	if err != nil {
		t.Fatalf("SelectStaleConversationIDs: %v", err)
	}
	if len(stale) != 2 {
		t.Errorf("stale after run = %v, want the two failures", stale)
	}
}

func TestRunSkipsConversationsWithoutMessages(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "c1")
	ctx := context.Background()
	if _, err := db.UpsertConversations(ctx, []database.Conversation{{ID: "empty", CreatedAt: base, UpdatedAt: base}}); err != nil {
		t.Fatalf("UpsertConversations: %v", err)
	}

	g := &fakeGrader{}
	res, err := New(db, g, 2).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if g.calls != 1 {
		t.Errorf("grader calls = %d, want 1", g.calls)
	}
}

func TestRunNothingStale(t *testing.T) {
	db := openTestDB(t)
	g := &fakeGrader{}
	res, err := New(db, g, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stale != 0 || res.Attempted != 0 || g.calls != 0 {
		t.Errorf("result = %+v, calls = %d", res, g.calls)
	}
}

func TestRunThenResyncUnchangedIsNotStale(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t100 := time.Unix(100, 0).UTC()
	c1 := database.Conversation{ID: "C1", Title: "title-C1", CreatedAt: t100, UpdatedAt: t100}
	if _, err := db.UpsertConversations(ctx, []database.Conversation{c1}); err != nil {
		t.Fatalf("UpsertConversations: %v", err)
	}
	if _, err := db.UpsertMessages(ctx, []database.Message{{ID: "m1", ConversationID: "C1", Text: "привет", CreatedAt: t100}}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	analyzedAt := time.Unix(120, 0).UTC()
	a := New(db, &fakeGrader{}, 1).WithClock(func() time.Time { return analyzedAt })
	res, err := a.Run(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("first Run = %+v, %v", res, err)
	}
	r, err := db.GetReport(ctx, "C1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !r.AnalyzedAt.Equal(analyzedAt) || r.Tonality.Grade != "Высокая" {
		t.Errorf("report = %+v", r)
	}

	if _, err := db.UpsertConversations(ctx, []database.Conversation{c1}); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	res, err = a.Run(ctx)
	if err != nil || res.Stale != 0 {
		t.Errorf("second Run = %+v, %v; want nothing stale", res, err)
	}

	c1.UpdatedAt = time.Unix(150, 0).UTC()
	if _, err := db.UpsertConversations(ctx, []database.Conversation{c1}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err = a.Run(ctx)
	if err != nil || res.Stale != 1 {
		t.Errorf("third Run = %+v, %v; want C1 stale again", res, err)
	}
}

// memStore serves many conversations without touching disk.
type memStore struct {
	ids     []string
	mu      sync.Mutex
	reports map[string]database.Report
}

func (m *memStore) SelectStaleConversationIDs(context.Context) ([]string, error) { return m.ids, nil }

func (m *memStore) LoadConversationForAnalysis(_ context.Context, id string) (*database.ConversationForAnalysis, error) {
	c := &database.ConversationForAnalysis{
		Conversation: database.Conversation{ID: id, Title: "title-" + id, CreatedAt: base, UpdatedAt: base},
		Messages:     []database.Message{{ID: id + "-m", ConversationID: id, Text: "hi", CreatedAt: base}},
	}
	c.CountMessages()
	return c, nil
}

func (m *memStore) UpsertReport(_ context.Context, r database.Report) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ConversationID] = r
	return true, nil
}

type gaugeGrader struct {
	inFlight int32
	peak     int32
}

func (g *gaugeGrader) GradeDialog(context.Context, llm.Prompt) (*llm.GradeDTO, error) {
	n := atomic.AddInt32(&g.inFlight, 1)
	for {
		p := atomic.LoadInt32(&g.peak)
		if n <= p || atomic.CompareAndSwapInt32(&g.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&g.inFlight, -1)
	return &llm.GradeDTO{}, nil
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	store := &memStore{reports: map[string]database.Report{}}
	for i := 0; i < 60; i++ {
		store.ids = append(store.ids, fmt.Sprintf("c%02d", i))
	}
	g := &gaugeGrader{}

	res, err := New(store, g, 3).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 60 {
		t.Errorf("succeeded = %d, want 60", res.Succeeded)
	}
	if peak := atomic.LoadInt32(&g.peak); peak > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", peak)
	}
	if len(store.reports) != 60 {
		t.Errorf("stored %d reports, want 60", len(store.reports))
	}
}

type failingStore struct{ memStore }

func (f *failingStore) SelectStaleConversationIDs(context.Context) ([]string, error) {
	return nil, apperr.Persistence("select stale conversations", errors.New("disk I/O error"))
}

func TestRunFailsWhenStaleSetUnavailable(t *testing.T) {
	_, err := New(&failingStore{}, &fakeGrader{}, 1).Run(context.Background())
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Errorf("err = %v, want Persistence", err)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := map[int]int{0: DefaultConcurrency, -3: 1, 1: 1, 15: 15, 99: MaxConcurrency}
	for in, want := range tests {
		if got := clampConcurrency(in); got != want {
			t.Errorf("clampConcurrency(%d) = %d, want %d", in, got, want)
		}
	}
}
