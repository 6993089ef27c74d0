// Package pipeline wires the sync and analysis stages and runs them as jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/TobiSchelling/ChatAudit/internal/analyze"
	"github.com/TobiSchelling/ChatAudit/internal/config"
	"github.com/TobiSchelling/ChatAudit/internal/credential"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/llm"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/messenger"
	"github.com/TobiSchelling/ChatAudit/internal/syncer"
)

// Job names.
const (
	JobSync    = "sync"
	JobAnalyze = "analyze"
)

// ErrAlreadyRunning is returned when a job is started while the same job is
// still running in this process.
var ErrAlreadyRunning = errors.New("run already in progress")

// Syncer mirrors the messaging account.
type Syncer interface {
	Run(ctx context.Context, accountID string) (*syncer.Result, error)
}

// Analyzer grades stale conversations.
type Analyzer interface {
	Run(ctx context.Context) (*analyze.Result, error)
}

// StatsSource reports store counts for dry runs.
type StatsSource interface {
	GetStats(ctx context.Context) (*database.Stats, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name     string          `json:"name"`
	Summary  string          `json:"summary"`
	Err      error           `json:"-"`
	Sync     *syncer.Result  `json:"sync,omitempty"`
	Analysis *analyze.Result `json:"analysis,omitempty"`
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps []StepResult
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline runs sync and analysis, allowing one run of each job at a time.
type Pipeline struct {
	syncer    Syncer
	analyzer  Analyzer
	stats     StatsSource
	accountID string

	// newAnalyzer builds the analyzer on the first Analyze when analyzer is nil.
	newAnalyzer func() (Analyzer, error)

	mu      sync.Mutex
	running map[string]bool
}

// New creates a pipeline from already built stages. A nil analyzer without a
// factory makes Analyze fail with a configuration error.
func New(s Syncer, a Analyzer, stats StatsSource, accountID string) *Pipeline {
	return &Pipeline{
		syncer:    s,
		analyzer:  a,
		stats:     stats,
		accountID: accountID,
		running:   map[string]bool{},
	}
}

// WithAnalyzerFactory defers building the analyzer until the first Analyze,
// so commands that never grade do not contact the grading provider.
func (p *Pipeline) WithAnalyzerFactory(build func() (Analyzer, error)) *Pipeline {
	p.newAnalyzer = build
	return p
}

// Build constructs the messenger client, token cache and sync stage from cfg.
// The grading provider is resolved on the first Analyze.
func Build(cfg *config.Config, store database.Store) (*Pipeline, error) {
	policy := cfg.RetryPolicy()
	m := cfg.Messenger

	client := messenger.NewClient(messenger.Config{
		BaseURL:      m.BaseURL,
		ClientID:     m.ClientID(),
		ClientSecret: m.ClientSecret(),
		PageSize:     m.PageSize,
		MaxPages:     m.MaxPages,
		Timeout:      m.Timeout,
	}, policy)
	tokens := credential.NewCache(client, m.TokenTTL)
	accountID := m.ResolveAccountID()

	g := cfg.Grading
	concurrency := cfg.Analysis.Concurrency
	buildAnalyzer := func() (Analyzer, error) {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Provider:    g.Provider,
			Model:       g.Model,
			BaseURL:     g.BaseURL,
			APIKey:      g.APIKey(),
			OllamaURL:   g.OllamaURL,
			OllamaModel: g.OllamaModel,
			Temperature: g.Temperature,
			MaxTokens:   g.MaxTokens,
			Timeout:     g.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return analyze.New(store, llm.NewGrader(provider, policy), concurrency), nil
	}

	p := New(syncer.New(client, tokens, store, accountID), nil, store, accountID)
	return p.WithAnalyzerFactory(buildAnalyzer), nil
}

func (p *Pipeline) acquire(job string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[job] {
		return nil, fmt.Errorf("%s: %w", job, ErrAlreadyRunning)
	}
	p.running[job] = true
	return func() {
		p.mu.Lock()
		delete(p.running, job)
		p.mu.Unlock()
	}, nil
}

// Running reports whether job is currently running.
func (p *Pipeline) Running(job string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[job]
}

// Sync runs the sync job.
func (p *Pipeline) Sync(ctx context.Context) StepResult {
	step := StepResult{Name: "Sync"}
	release, err := p.acquire(JobSync)
	if err != nil {
		step.Err = err
		return step
	}
	defer release()

	if strings.TrimSpace(p.accountID) == "" {
		step.Err = errors.New("messenger account id not configured")
		return step
	}

	logging.Info("Step 1/2: Syncing conversations...")
	res, err := p.syncer.Run(ctx, p.accountID)
	step.Sync = res
	if err != nil {
		step.Err = err
		return step
	}
	step.Summary = fmt.Sprintf("Listed %d conversations (%d new, %d updated), stored %d new messages, %d fetch failures",
		res.ConversationsListed, res.Conversations.Inserted, res.Conversations.Updated, res.MessagesStored, res.MessageFailures)
	return step
}

// Analyze runs the analysis job.
func (p *Pipeline) Analyze(ctx context.Context) StepResult {
	step := StepResult{Name: "Analyze"}
	release, err := p.acquire(JobAnalyze)
	if err != nil {
		step.Err = err
		return step
	}
	defer release()

	if p.analyzer == nil && p.newAnalyzer != nil {
		a, err := p.newAnalyzer()
		if err != nil {
			logging.Warnf("analysis disabled: %v", err)
			step.Err = fmt.Errorf("grading provider not configured: %w", err)
			return step
		}
		p.analyzer = a
	}
	if p.analyzer == nil {
		step.Err = errors.New("grading provider not configured")
		return step
	}

	logging.Info("Step 2/2: Analyzing stale conversations...")
	res, err := p.analyzer.Run(ctx)
	step.Analysis = res
	if err != nil {
		step.Err = err
		return step
	}
	step.Summary = fmt.Sprintf("Analyzed %d of %d stale conversations: %d succeeded, %d failed, %d skipped",
		res.Attempted, res.Stale, res.Succeeded, res.Failed, res.Skipped)
	return step
}

// Run executes sync then analysis. Analysis still runs after a failed sync
// because it only reads what is already stored.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{}
	r.Steps = append(r.Steps, p.Sync(ctx))
	if ctx.Err() != nil {
		return r
	}
	r.Steps = append(r.Steps, p.Analyze(ctx))
	return r
}

// DryRun shows what would be done without calling any remote service.
func (p *Pipeline) DryRun(ctx context.Context) *Result {
	r := &Result{}

	stats, err := p.stats.GetStats(ctx)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Sync", Err: err})
		return r
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Sync",
		Summary: fmt.Sprintf("[dry-run] %d conversations and %d messages already in DB", stats.Conversations, stats.Messages),
	})
	r.Steps = append(r.Steps, StepResult{
		Name:    "Analyze",
		Summary: fmt.Sprintf("[dry-run] %d conversations need analysis, %d reports stored", stats.StaleConversations, stats.Reports),
	})
	return r
}
