package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/ChatAudit/internal/config"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/database/postgres"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/pipeline"
	"github.com/TobiSchelling/ChatAudit/internal/report"
	"github.com/TobiSchelling/ChatAudit/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "chataudit",
	Short:   "Messenger conversation grading",
	Long:    "ChatAudit mirrors messenger conversations, grades each one with an LLM, and serves the resulting reports.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnv(); err != nil {
			return err
		}
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logDir := ""
		if cfg.Logging.ToFile {
			logDir = cfg.GetDataDir()
		}
		if err := logging.Init(level, cfg.Logging.Format, logDir); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chataudit", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/chataudit/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Set AVITO_USER_ID, AVITO_CLIENT_ID, AVITO_CLIENT_SECRET and DEEPSEEK_API_KEY in the environment or a .env file.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", describeStore())
		fmt.Println("Conversations:")
		fmt.Printf("  Total: %d\n", stats.Conversations)
		fmt.Printf("  Messages: %d\n", stats.Messages)
		fmt.Printf("  Awaiting analysis: %d\n", stats.StaleConversations)
		fmt.Println("\nReports:")
		fmt.Printf("  Total: %d\n", stats.Reports)
		fmt.Println("\nConfiguration:")
		fmt.Printf("  Account: %s\n", orUnset(cfg.Messenger.ResolveAccountID()))
		fmt.Printf("  Grading: %s (%s)\n", cfg.Grading.Provider, cfg.Grading.Model)
		fmt.Printf("  Timezone: %s\n", cfg.Timezone)
		return nil
	},
}

// --- sync / analyze / run commands ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror conversations and messages from the messenger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSteps(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) *pipeline.Result {
			return &pipeline.Result{Steps: []pipeline.StepResult{p.Sync(ctx)}}
		})
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Grade conversations that changed since their last report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSteps(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) *pipeline.Result {
			return &pipeline.Result{Steps: []pipeline.StepResult{p.Analyze(ctx)}}
		})
	},
}

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: sync -> analyze",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := runSteps(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) *pipeline.Result {
			if dryRun {
				return p.DryRun(ctx)
			}
			return p.Run(ctx)
		})
		if err == nil && !dryRun {
			fmt.Println("\nPipeline complete! Run 'chataudit reports --yesterday' to view reports.")
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without calling remote services")
}

func runSteps(ctx context.Context, run func(context.Context, *pipeline.Pipeline) *pipeline.Result) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	pipe, err := pipeline.Build(cfg, store)
	if err != nil {
		return err
	}

	result := run(ctx, pipe)
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
	if result.Failed() {
		return errors.New("pipeline finished with errors")
	}
	return nil
}

// --- reports command ---

var (
	reportsStart     string
	reportsEnd       string
	reportsYesterday bool
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Print stored reports for a date range (DD.MM.YYYY)",
	RunE: func(cmd *cobra.Command, args []string) error {
		loc := cfg.Location()
		start, end, err := resolveRange(time.Now().In(loc), loc)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		reports, err := store.SelectReports(cmd.Context(), start, end)
		if err != nil {
			return err
		}

		f := report.Formatter{Location: loc}
		if reportsYesterday {
			fmt.Println(f.FormatDigest(reports, start))
		}
		if len(reports) == 0 {
			fmt.Printf("No reports for %s.\n", database.FormatPeriodDisplay(start, end))
			return nil
		}
		fmt.Print(f.FormatAll(reports))
		return nil
	},
}

func init() {
	reportsCmd.Flags().StringVar(&reportsStart, "start", "", "First day, DD.MM.YYYY")
	reportsCmd.Flags().StringVar(&reportsEnd, "end", "", "Last day, DD.MM.YYYY (defaults to --start)")
	reportsCmd.Flags().BoolVar(&reportsYesterday, "yesterday", false, "Show yesterday's reports with the daily digest header")
	reportsCmd.MarkFlagsMutuallyExclusive("yesterday", "start")
	reportsCmd.MarkFlagsMutuallyExclusive("yesterday", "end")
}

// resolveRange turns the reports flags into an inclusive instant range.
// With no flags it selects yesterday.
func resolveRange(now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if reportsYesterday || (reportsStart == "" && reportsEnd == "") {
		start, end := database.Yesterday(now)
		return start, end, nil
	}
	if reportsStart == "" {
		return time.Time{}, time.Time{}, errors.New("--start is required when --end is set")
	}
	endStr := reportsEnd
	if endStr == "" {
		endStr = reportsStart
	}

	start, err := database.ParseDay(reportsStart, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := database.ParseDay(endStr, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is after end %s", reportsStart, endStr)
	}
	from, to := database.DayRange(start, end)
	return from, to, nil
}

// --- serve command ---

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger and report web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		pipe, err := pipeline.Build(cfg, store)
		if err != nil {
			return err
		}

		apiKey := cfg.Server.APIKey()
		if apiKey == "" {
			logging.Warnf("%s is not set; trigger endpoints will reject every request", cfg.Server.APIKeyEnv)
		}
		srv, err := server.New(store, pipe, server.Options{APIKey: apiKey, Location: cfg.Location()})
		if err != nil {
			return err
		}

		listen := cfg.Server
		if cmd.Flags().Changed("host") {
			listen.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			listen.Port = servePort
		}
		fmt.Printf("Starting server at http://%s\n", listen.Addr())
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), srv, listen.Addr(), cfg.Server.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Interface to listen on (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on (overrides server.port)")
}

func openStore(ctx context.Context) (database.Store, error) {
	db := cfg.Database
	if strings.EqualFold(db.Driver, "postgres") {
		dsn := db.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("database.driver is postgres but %s is not set", db.DSNEnv)
		}
		pg, err := postgres.Connect(ctx, dsn, postgres.Options{
			MinConns:       db.MinConns,
			MaxConns:       db.MaxConns,
			AcquireTimeout: db.AcquireTimeout,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	path := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	sqlite, err := database.OpenWithOptions(path, database.Options{AcquireTimeout: db.AcquireTimeout})
	if err != nil {
		return nil, err
	}
	return sqlite, nil
}

func describeStore() string {
	if strings.EqualFold(cfg.Database.Driver, "postgres") {
		return "postgres (" + cfg.Database.DSNEnv + ")"
	}
	return cfg.DatabasePath()
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
