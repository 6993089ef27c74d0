package server

import (
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/database"
)

type reportJSON struct {
	ConversationID        string              `json:"conversation_id"`
	AnalyzedAt            time.Time           `json:"analyzed_at"`
	ConversationTitle     string              `json:"conversation_title"`
	CounterpartName       string              `json:"counterpart_name"`
	ConversationCreatedAt *time.Time          `json:"conversation_created_at,omitempty"`
	ConversationUpdatedAt *time.Time          `json:"conversation_updated_at,omitempty"`
	TotalMessages         int                 `json:"total_messages"`
	BusinessMessages      int                 `json:"business_messages"`
	CounterpartMessages   int                 `json:"counterpart_messages"`
	Tonality              database.Assessment `json:"tonality"`
	Professionalism       database.Assessment `json:"professionalism"`
	Clarity               database.Assessment `json:"clarity"`
	ProblemSolving        database.Assessment `json:"problem_solving"`
	ObjectionHandling     database.Assessment `json:"objection_handling"`
	Closure               database.Assessment `json:"closure"`
	Summary               string              `json:"summary"`
	Recommendations       string              `json:"recommendations"`
}

func toJSON(r database.Report) reportJSON {
	return reportJSON{
		ConversationID:        r.ConversationID,
		AnalyzedAt:            r.AnalyzedAt,
		ConversationTitle:     r.ConversationTitle,
		CounterpartName:       r.CounterpartName,
		ConversationCreatedAt: r.ConversationCreatedAt,
		ConversationUpdatedAt: r.ConversationUpdatedAt,
		TotalMessages:         r.TotalMessages,
		BusinessMessages:      r.BusinessMessages,
		CounterpartMessages:   r.CounterpartMessages,
		Tonality:              r.Tonality,
		Professionalism:       r.Professionalism,
		Clarity:               r.Clarity,
		ProblemSolving:        r.ProblemSolving,
		ObjectionHandling:     r.ObjectionHandling,
		Closure:               r.Closure,
		Summary:               r.Summary,
		Recommendations:       r.Recommendations,
	}
}
