package database

import "time"

// Conversation is one chat thread mirrored from the messenger.
type Conversation struct {
	ID              string
	Title           string
	CounterpartName string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is a single utterance. Messages are immutable once stored.
type Message struct {
	ID             string
	ConversationID string
	Text           string
	IsBusiness     bool
	CreatedAt      time.Time
}

// ConversationForAnalysis is a conversation with its ordered transcript and counts.
type ConversationForAnalysis struct {
	Conversation
	Messages            []Message
	TotalMessages       int
	BusinessMessages    int
	CounterpartMessages int
}

// Assessment is a grade with its justification for one criterion.
type Assessment struct {
	Grade   string `json:"grade"`
	Comment string `json:"comment"`
}

// Report is the stored grading of a conversation, one per conversation.
type Report struct {
	ConversationID        string
	AnalyzedAt            time.Time
	ConversationTitle     string
	CounterpartName       string
	ConversationCreatedAt *time.Time
	ConversationUpdatedAt *time.Time
	TotalMessages         int
	BusinessMessages      int
	CounterpartMessages   int

	Tonality          Assessment
	Professionalism   Assessment
	Clarity           Assessment
	ProblemSolving    Assessment
	ObjectionHandling Assessment
	Closure           Assessment

	Summary         string
	Recommendations string
}

// UpsertStats counts the outcome of a batch upsert.
type UpsertStats struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Add accumulates another batch into s.
func (s *UpsertStats) Add(o UpsertStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
}

// Stats summarizes table sizes for the status command and health endpoint.
type Stats struct {
	Conversations      int
	Messages           int
	Reports            int
	StaleConversations int
}
