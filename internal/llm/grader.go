package llm

import (
	"context"
	"errors"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/retry"
)

// Prompt is the system instruction plus the per-conversation user instruction.
type Prompt struct {
	System string
	User   string
}

// Grader submits rendered dialogs to a provider and decodes the verdict.
type Grader struct {
	provider Provider
	retry    retry.Policy
}

// NewGrader creates a grader over provider using policy for every call.
func NewGrader(provider Provider, policy retry.Policy) *Grader {
	return &Grader{provider: provider, retry: policy}
}

// GradeDialog returns the structured verdict for one prompt. An unreadable
// reply is retried like any other failure. When the attempts run out, an
// unreadable last reply is MalformedResponse and anything else RemoteCall.
func (g *Grader) GradeDialog(ctx context.Context, p Prompt) (*GradeDTO, error) {
	const op = "grading dialog"
	messages := []Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}

	var grade *GradeDTO
	err := g.retry.Do(ctx, op, func(ctx context.Context) error {
		content, err := g.provider.Complete(ctx, messages)
		if err != nil {
			return err
		}
		grade, err = ParseGrade(content)
		if err != nil {
			return &decodeError{err: err}
		}
		return nil
	})
	if err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			return nil, apperr.Malformed(op, err)
		}
		return nil, apperr.Remote(op, err)
	}
	return grade, nil
}
