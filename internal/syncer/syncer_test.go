package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/messenger"
)

type fakeMessenger struct {
	convs     []messenger.ConversationDTO
	listErr   error
	messages  map[string][]messenger.MessageDTO
	failures  map[string]*messenger.SoftFailure
	polled    []string
	gotTokens []string
}

func (f *fakeMessenger) ListConversations(_ context.Context, token, _ string) ([]messenger.ConversationDTO, error) {
	f.gotTokens = append(f.gotTokens, token)
	return f.convs, f.listErr
}

func (f *fakeMessenger) ListMessages(_ context.Context, token, _, id string) messenger.MessagesResult {
	f.gotTokens = append(f.gotTokens, token)
	f.polled = append(f.polled, id)
	return messenger.MessagesResult{ConversationID: id, Messages: f.messages[id], Failure: f.failures[id]}
}

type fakeTokens struct {
	token       string
	err         error
	invalidated int
}

func (f *fakeTokens) Token(context.Context) (string, error) { return f.token, f.err }
func (f *fakeTokens) Invalidate()                           { f.invalidated++ }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func conversation(id string, updated int64) messenger.ConversationDTO {
	return messenger.ConversationDTO{
		ID:      messenger.ID(id),
		Users:   []messenger.Participant{{ID: "42", Name: "Магазин"}, {ID: "7", Name: "Ольга"}},
		Created: 1700000000,
		Updated: updated,
	}
}

func message(id, direction string, created int64) messenger.MessageDTO {
	return messenger.MessageDTO{
		ID:        messenger.ID(id),
		Type:      "text",
		Direction: direction,
		Content:   messenger.MessageContent{Text: "text " + id},
		Created:   created,
	}
}

func TestRunStoresConversationsAndMessages(t *testing.T) {
	db := openTestDB(t)
	m := &fakeMessenger{
		convs: []messenger.ConversationDTO{conversation("c1", 1700000100), conversation("c2", 1700000200)},
		messages: map[string][]messenger.MessageDTO{
			"c1": {message("m1", "in", 1700000010), message("m2", "out", 1700000020)},
			"c2": {message("m3", "in", 1700000030)},
		},
	}
	tokens := &fakeTokens{token: "tok"}

	res, err := New(m, tokens, db, "42").Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Conversations.Inserted != 2 || res.MessagesStored != 3 || res.MessageFailures != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.RunID == "" {
		t.Error("RunID not set")
	}
	for _, tok := range m.gotTokens {
		if tok != "tok" {
			t.Errorf("call used token %q", tok)
		}
	}

	c, err := db.LoadConversationForAnalysis(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadConversationForAnalysis: %v", err)
	}
	if c.CounterpartName != "Ольга" || c.BusinessMessages != 1 {
		t.Errorf("c1 = %+v", c)
	}

	// A second run is idempotent.
	res, err = New(m, tokens, db, "42").Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Conversations.Unchanged != 2 || res.MessagesStored != 0 {
		t.Errorf("second result = %+v", res)
	}
}

func TestRunPollsAllStoredConversations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := &fakeMessenger{convs: []messenger.ConversationDTO{conversation("old", 1700000100)}}
	if _, err := New(first, &fakeTokens{token: "t"}, db, "42").Run(ctx, "42"); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := &fakeMessenger{
		convs:    []messenger.ConversationDTO{conversation("new", 1700000200)},
		messages: map[string][]messenger.MessageDTO{"old": {message("m9", "in", 1700000300)}},
	}
	res, err := New(second, &fakeTokens{token: "t"}, db, "42").Run(ctx, "42")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.ConversationsPolled != 2 {
		t.Errorf("polled %d conversations, want 2 (%v)", res.ConversationsPolled, second.polled)
	}
	if res.MessagesStored != 1 {
		t.Errorf("stored %d, want 1 for the unlisted conversation", res.MessagesStored)
	}
}

func TestRunSoftFailureContinues(t *testing.T) {
	db := openTestDB(t)
	m := &fakeMessenger{
		convs: []messenger.ConversationDTO{conversation("c1", 1700000100), conversation("c2", 1700000200)},
		messages: map[string][]messenger.MessageDTO{
			"c1": {message("m1", "in", 1700000010)},
			"c2": {message("m2", "in", 1700000020)},
		},
		failures: map[string]*messenger.SoftFailure{
			"c2": {Reason: messenger.FailureStatus, StatusCode: 500, Err: errors.New("boom")},
		},
	}

	res, err := New(m, &fakeTokens{token: "t"}, db, "42").Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessageFailures != 1 || len(res.FailedIDs) != 1 || res.FailedIDs[0] != "c2" {
		t.Errorf("failures = %d %v", res.MessageFailures, res.FailedIDs)
	}
	// Pages read before the failure are kept.
	if res.MessagesStored != 2 {
		t.Errorf("stored = %d, want 2", res.MessagesStored)
	}
}

func TestRunTokenFailureIsFatal(t *testing.T) {
	db := openTestDB(t)
	m := &fakeMessenger{}
	tokens := &fakeTokens{err: apperr.Auth("requesting token", errors.New("bad secret"))}

	_, err := New(m, tokens, db, "42").Run(context.Background(), "42")
	if !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("err = %v, want Auth", err)
	}
	if len(m.gotTokens) != 0 {
		t.Error("messenger called without a token")
	}
}

func TestRunListFailureIsFatal(t *testing.T) {
	db := openTestDB(t)
	m := &fakeMessenger{listErr: apperr.Remote("listing conversations", errors.New("HTTP 502"))}
	tokens := &fakeTokens{token: "t"}

	_, err := New(m, tokens, db, "42").Run(context.Background(), "42")
	if !errors.Is(err, apperr.ErrRemoteCall) {
		t.Errorf("err = %v, want RemoteCall", err)
	}
	if tokens.invalidated != 0 {
		t.Error("token invalidated on a non-auth failure")
	}
}

func TestRunAuthRejectionInvalidatesToken(t *testing.T) {
	db := openTestDB(t)
	m := &fakeMessenger{listErr: apperr.Auth("listing conversations", errors.New("HTTP 401"))}
	tokens := &fakeTokens{token: "expired"}

	_, err := New(m, tokens, db, "42").Run(context.Background(), "42")
	if !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("err = %v, want Auth", err)
	}
	if tokens.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", tokens.invalidated)
	}
}
