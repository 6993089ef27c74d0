package database

import (
	"context"
	"time"
)

// Store is the persistence surface used by the pipeline stages.
// Both the SQLite DB and the Postgres store implement it.
type Store interface {
	UpsertConversations(ctx context.Context, convs []Conversation) (UpsertStats, error)
	UpsertMessages(ctx context.Context, msgs []Message) (int, error)
	SelectConversationIDs(ctx context.Context) ([]string, error)
	SelectStaleConversationIDs(ctx context.Context) ([]string, error)
	LoadConversationForAnalysis(ctx context.Context, id string) (*ConversationForAnalysis, error)
	UpsertReport(ctx context.Context, report Report) (bool, error)
	UpsertReports(ctx context.Context, reports []Report) (UpsertStats, error)
	SelectReports(ctx context.Context, start, end time.Time) ([]Report, error)
	GetReport(ctx context.Context, conversationID string) (*Report, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
