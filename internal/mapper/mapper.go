// Package mapper translates messaging API payloads into stored records and
// builds grading requests from stored transcripts. Everything here is pure.
package mapper

import (
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/llm"
	"github.com/TobiSchelling/ChatAudit/internal/messenger"
)

// UnknownCounterpart is stored when no other named participant is present.
const UnknownCounterpart = ""

// MapConversations converts listed conversations. The counterpart is the first
// participant other than selfID with a non-empty name. Entries without an id are dropped.
func MapConversations(dtos []messenger.ConversationDTO, selfID string) []database.Conversation {
	out := make([]database.Conversation, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		out = append(out, database.Conversation{
			ID:              d.ID.String(),
			Title:           d.Context.Value.Title,
			CounterpartName: counterpartName(d.Users, selfID),
			CreatedAt:       fromEpoch(d.Created),
			UpdatedAt:       fromEpoch(d.Updated),
		})
	}
	return out
}

func counterpartName(users []messenger.Participant, selfID string) string {
	for _, u := range users {
		if u.ID.String() != selfID && u.Name != "" {
			return u.Name
		}
	}
	return UnknownCounterpart
}

// MapMessages converts one conversation's messages, dropping system entries.
func MapMessages(dtos []messenger.MessageDTO, conversationID string) []database.Message {
	out := make([]database.Message, 0, len(dtos))
	for _, d := range dtos {
		if d.Type == messenger.TypeSystem || d.ID == "" {
			continue
		}
		out = append(out, database.Message{
			ID:             d.ID.String(),
			ConversationID: conversationID,
			Text:           d.Content.Text,
			IsBusiness:     d.Direction == messenger.DirectionOut,
			CreatedAt:      fromEpoch(d.Created),
		})
	}
	return out
}

// MapGradeResponse flattens a verdict and the conversation snapshot into a report
// stamped with analyzedAt.
func MapGradeResponse(dto *llm.GradeDTO, conv *database.ConversationForAnalysis, analyzedAt time.Time) database.Report {
	r := database.Report{
		ConversationID:        conv.ID,
		AnalyzedAt:            analyzedAt.UTC(),
		ConversationTitle:     conv.Title,
		CounterpartName:       conv.CounterpartName,
		ConversationCreatedAt: timePtr(conv.CreatedAt),
		ConversationUpdatedAt: timePtr(conv.UpdatedAt),
		TotalMessages:         conv.TotalMessages,
		BusinessMessages:      conv.BusinessMessages,
		CounterpartMessages:   conv.CounterpartMessages,
	}
	if dto == nil {
		return r
	}

	r.Tonality = assessment(dto.Tonality)
	r.Professionalism = assessment(dto.Professionalism)
	r.Clarity = assessment(dto.Clarity)
	r.ProblemSolving = assessment(dto.ProblemSolving)
	r.ObjectionHandling = assessment(dto.ObjectionHandling)
	r.Closure = assessment(dto.Closure)
	r.Summary = string(dto.Summary)
	r.Recommendations = string(dto.Recommendations)
	return r
}

func assessment(c llm.Criterion) database.Assessment {
	return database.Assessment{Grade: c.Grade, Comment: c.Comment}
}

func fromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
