// Package analyze grades stale conversations and stores the resulting reports.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/llm"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/mapper"
)

// Concurrency limits for in-flight analyses.
const (
	DefaultConcurrency = 10
	MaxConcurrency     = 20
)

// Grader scores one rendered dialog.
type Grader interface {
	GradeDialog(ctx context.Context, p llm.Prompt) (*llm.GradeDTO, error)
}

// Store is the persistence the analyzer reads from and writes to.
type Store interface {
	SelectStaleConversationIDs(ctx context.Context) ([]string, error)
	LoadConversationForAnalysis(ctx context.Context, id string) (*database.ConversationForAnalysis, error)
	UpsertReport(ctx context.Context, report database.Report) (bool, error)
}

// Result holds the results of an analysis run.
type Result struct {
	RunID     string
	Stale     int
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	FailedIDs []string
	Duration  time.Duration
}

// Analyzer fans grading out over stale conversations.
type Analyzer struct {
	store       Store
	grader      Grader
	concurrency int
	now         func() time.Time
}

// New creates an analyzer. concurrency is clamped to [1, MaxConcurrency];
// zero selects DefaultConcurrency.
func New(store Store, grader Grader, concurrency int) *Analyzer {
	return &Analyzer{
		store:       store,
		grader:      grader,
		concurrency: clampConcurrency(concurrency),
		now:         time.Now,
	}
}

// WithClock replaces the clock used to stamp reports.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

func clampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < 1:
		return 1
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}

type outcome int

const (
	succeeded outcome = iota
	skipped
	failed
)

// Run grades every stale conversation. It only fails when the stale set cannot
// be read; every per-conversation failure is logged and counted.
func (a *Analyzer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	log := logging.With("run_id", res.RunID)

	ids, err := a.store.SelectStaleConversationIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("selecting stale conversations: %w", err)
	}
	res.Stale = len(ids)
	if len(ids) == 0 {
		log.Info("no stale conversations")
		return res, nil
	}
	log.Infow("analysis started", "stale", len(ids), "concurrency", a.concurrency)

	var mu sync.Mutex
	record := func(id string, o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case succeeded:
			res.Succeeded++
		case skipped:
			res.Skipped++
		case failed:
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
		}
	}

	// Units never return errors so one failure cannot cancel its siblings.
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		g.Go(func() error {
			record(id, a.analyzeOne(ctx, id, log))
			return nil
		})
	}
	g.Wait()

	res.Duration = time.Since(start)
	log.Infow("analysis finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.Duration.String())
	return res, nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, id string, log *zap.SugaredLogger) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("analysis panicked", "conversation_id", id, "panic", fmt.Sprint(r))
			o = failed
		}
	}()

	conv, err := a.store.LoadConversationForAnalysis(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Infow("skipping conversation without messages", "conversation_id", id)
		return skipped
	}
	if err != nil {
		log.Errorw("loading conversation failed", "conversation_id", id, "error", err)
		return failed
	}

	dto, err := a.grader.GradeDialog(ctx, mapper.BuildGradingRequest(conv))
	if err != nil {
		log.Errorw("grading failed", "conversation_id", id, "kind", apperr.KindOf(err).String(), "error", err)
		return failed
	}

	report := mapper.MapGradeResponse(dto, conv, a.now())
	if _, err := a.store.UpsertReport(ctx, report); err != nil {
		log.Errorw("storing report failed", "conversation_id", id, "error", err)
		return failed
	}
	return succeeded
}
