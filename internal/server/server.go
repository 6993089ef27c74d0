// Package server exposes the pipeline triggers and stored reports over HTTP.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/pipeline"
	"github.com/TobiSchelling/ChatAudit/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Jobs starts pipeline jobs. *pipeline.Pipeline satisfies it.
type Jobs interface {
	Sync(ctx context.Context) pipeline.StepResult
	Analyze(ctx context.Context) pipeline.StepResult
}

// Store is the read side used by the report and health endpoints.
type Store interface {
	SelectReports(ctx context.Context, start, end time.Time) ([]database.Report, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// Options configures a Server.
type Options struct {
	// APIKey guards the trigger endpoints. Empty rejects every trigger.
	APIKey string
	// Location is used to interpret query dates and render report dates.
	Location *time.Location
}

// Server is the HTTP surface for triggers and report delivery.
type Server struct {
	store  Store
	jobs   Jobs
	apiKey string
	loc    *time.Location
	format report.Formatter
	pages  map[string]*template.Template
	engine *gin.Engine

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// New creates a Server with its routes registered.
func New(store Store, jobs Jobs, opts Options) (*Server, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	funcMap := template.FuncMap{
		"markdown":     renderMarkdown,
		"formatPeriod": database.FormatPeriodDisplay,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	pageNames := []string{"reports.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		store:  store,
		jobs:   jobs,
		apiKey: opts.APIKey,
		loc:    loc,
		format: report.Formatter{Location: loc},
		pages:  pages,
		engine: gin.New(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.Use(RequestLogger(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/reports") })
	r.GET("/reports", s.handleReportsPage)
	r.GET("/api/reports", s.handleReportsAPI)

	triggers := r.Group("/", RequireAPIKey(s.apiKey))
	{
		triggers.POST("/sync", s.handleJob(s.jobs.Sync))
		triggers.POST("/analyze", s.handleJob(s.jobs.Analyze))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	stats, err := s.store.GetStats(c.Request.Context())
	if err != nil {
		logging.Error("health check failed", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"conversations":       stats.Conversations,
		"messages":            stats.Messages,
		"reports":             stats.Reports,
		"stale_conversations": stats.StaleConversations,
	})
}

// handleJob runs the job to completion. The job keeps running when the
// client disconnects so a dropped webhook does not abort a sync halfway.
// Shutdown waits for it before Serve returns.
func (s *Server) handleJob(run func(context.Context) pipeline.StepResult) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.beginJob() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		defer s.inflight.Done()

		step := run(context.WithoutCancel(c.Request.Context()))
		switch {
		case errors.Is(step.Err, pipeline.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": step.Err.Error()})
		case step.Err != nil:
			logging.Errorw("job failed", "job", step.Name, "error", step.Err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": step.Err.Error(), "step": step})
		default:
			c.JSON(http.StatusOK, step)
		}
	}
}

func (s *Server) beginJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// drain refuses new jobs and blocks until running ones finish.
func (s *Server) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Server) handleReportsAPI(c *gin.Context) {
	start, end, err := s.period(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reports, err := s.store.SelectReports(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	out := make([]reportJSON, 0, len(reports))
	for _, r := range reports {
		out = append(out, toJSON(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"start":   start.Format(database.DateLayout),
		"end":     end.Format(database.DateLayout),
		"count":   len(out),
		"reports": out,
	})
}

func (s *Server) handleReportsPage(c *gin.Context) {
	data := map[string]any{
		"Start": c.Query("start"),
		"End":   c.Query("end"),
	}

	start, end, err := s.period(c)
	if err != nil {
		data["Error"] = err.Error()
		s.render(c, http.StatusBadRequest, "reports.html", data)
		return
	}

	reports, err := s.store.SelectReports(c.Request.Context(), start, end)
	if err != nil {
		data["Error"] = err.Error()
		s.render(c, statusFor(err), "reports.html", data)
		return
	}

	blocks := make([]string, 0, len(reports))
	for _, r := range reports {
		blocks = append(blocks, s.format.Format(r))
	}
	data["Start"] = start.Format(database.DateLayout)
	data["End"] = end.Format(database.DateLayout)
	data["PeriodStart"] = start
	data["PeriodEnd"] = end
	data["Reports"] = blocks
	s.render(c, http.StatusOK, "reports.html", data)
}

// period reads start and end query dates. Missing start means yesterday;
// missing end means the start day.
func (s *Server) period(c *gin.Context) (time.Time, time.Time, error) {
	startStr, endStr := c.Query("start"), c.Query("end")
	if startStr == "" && endStr == "" {
		from, to := database.Yesterday(time.Now().In(s.loc))
		return from, to, nil
	}
	if startStr == "" {
		return time.Time{}, time.Time{}, apperr.Validation("parsing period", errors.New("start date is required"))
	}
	if endStr == "" {
		endStr = startStr
	}

	start, err := database.ParseDay(startStr, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("parsing start", err)
	}
	end, err := database.ParseDay(endStr, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("parsing end", err)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.Validation("parsing period", errors.New("start date is after end date"))
	}
	from, to := database.DayRange(start, end)
	return from, to, nil
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) render(c *gin.Context, status int, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		logging.Errorf("template %s not found", name)
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		logging.Errorf("rendering template %s: %v", name, err)
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on addr until ctx is cancelled, then shuts down. Requests get
// up to shutdownTimeout to finish; trigger jobs are always waited for, so the
// caller may release the store once Serve returns.
func Serve(ctx context.Context, s *Server, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logging.Infof("Server listening on http://%s", ln.Addr())
	return s.serve(ctx, ln, shutdownTimeout)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logging.Warnf("server shutdown: %v; waiting for running jobs", shutdownErr)
	}
	s.drain()
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}
	logging.Info("Server stopped")
	return nil
}
