package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/botmesh/limepipe/internal/dedup"
	"github.com/botmesh/limepipe/internal/dispatch"
	"github.com/botmesh/limepipe/internal/genai"
	"github.com/botmesh/limepipe/internal/history"
	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LimePipe state data
	DefaultStateDir = "/var/lib/limepipe"
	// DefaultDBFileName is the default SQLite dedup database filename
	DefaultDBFileName = "limepipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("LimePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LimePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	Identifier    string
	AccessKey     string
	Hostname      string
	DedupDSN      string
	DedupCapacity int
	OpenAIKey     string
	Model         string
	SystemPrompt  string
	HistoryVar    string
	StateDir      string
	Trace         bool
}

// Flags holds command line flag values
type Flags struct {
	identifier    *string
	accessKey     *string
	hostname      *string
	dedupDSN      *string
	dedupCapacity *int
	openaiKey     *string
	model         *string
	systemPrompt  *string
	historyVar    *string
	trace         *bool
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LIMEPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Identifier:    os.Getenv("BLIP_IDENTIFIER"),
		AccessKey:     os.Getenv("BLIP_ACCESS_KEY"),
		Hostname:      os.Getenv("BLIP_HOSTNAME"),
		DedupDSN:      os.Getenv("DEDUP_DB_DSN"),
		DedupCapacity: util.ParseIntEnv("DEDUP_CAPACITY", dedup.DefaultCapacity),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("LIMEPIPE_MODEL"),
		SystemPrompt:  os.Getenv("LIMEPIPE_SYSTEM_PROMPT"),
		HistoryVar:    os.Getenv("LIMEPIPE_HISTORY_VARIABLE"),
		StateDir:      os.Getenv("LIMEPIPE_STATE_DIR"),
		Trace:         util.ParseBoolEnv("BLIP_TRACE", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LIMEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// File-backed dedup without an explicit DSN: keep the database in the
	// state directory.
	if config.DedupDSN == "" && util.ParseBoolEnv("LIMEPIPE_PERSIST_DEDUP", false) {
		config.DedupDSN = defaultSQLitePath(config.StateDir)
		slog.Debug("LIMEPIPE_PERSIST_DEDUP set, defaulting dedup DSN to SQLite", "sqlite_path", config.DedupDSN)
	}

	slog.Debug("environment variables loaded",
		"BLIP_IDENTIFIER_SET", config.Identifier != "",
		"BLIP_ACCESS_KEY_SET", config.AccessKey != "",
		"BLIP_HOSTNAME", config.Hostname,
		"DEDUP_DB_DSN_SET", config.DedupDSN != "",
		"DEDUP_CAPACITY", config.DedupCapacity,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"LIMEPIPE_STATE_DIR", config.StateDir,
		"BLIP_TRACE", config.Trace)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		identifier:    flag.String("identifier", config.Identifier, "BLiP bot identifier (overrides $BLIP_IDENTIFIER)"),
		accessKey:     flag.String("access-key", config.AccessKey, "BLiP bot access key (overrides $BLIP_ACCESS_KEY)"),
		hostname:      flag.String("hostname", config.Hostname, "BLiP websocket gateway hostname (overrides $BLIP_HOSTNAME)"),
		dedupDSN:      flag.String("dedup-dsn", config.DedupDSN, "dedup store DSN: empty for in-memory, a file path for SQLite, or a postgres:// URL (overrides $DEDUP_DB_DSN)"),
		dedupCapacity: flag.Int("dedup-capacity", config.DedupCapacity, "maximum retained message identifiers (overrides $DEDUP_CAPACITY)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:         flag.String("model", config.Model, "chat model (overrides $LIMEPIPE_MODEL)"),
		systemPrompt:  flag.String("system-prompt", config.SystemPrompt, "responder system prompt (overrides $LIMEPIPE_SYSTEM_PROMPT)"),
		historyVar:    flag.String("history-variable", config.HistoryVar, "context variable name for history (overrides $LIMEPIPE_HISTORY_VARIABLE)"),
		trace:         flag.Bool("trace", config.Trace, "log raw Lime envelopes at debug level (overrides $BLIP_TRACE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"identifier_set", *flags.identifier != "",
		"hostname", *flags.hostname,
		"dedupDSN_set", *flags.dedupDSN != "",
		"dedupCapacity", *flags.dedupCapacity,
		"openaiKeySet", *flags.openaiKey != "",
		"model", *flags.model,
		"historyVar", *flags.historyVar,
		"trace", *flags.trace)

	return flags
}

// buildGuard selects the dedup deployment mode from the DSN: in-memory
// for a single process, SQLite for workers sharing a host, Postgres for
// a distributed worker pool.
func buildGuard(flags Flags) (dedup.Guard, error) {
	dsn := *flags.dedupDSN
	capacity := *flags.dedupCapacity
	switch {
	case dsn == "":
		slog.Info("Dedup guard: in-memory (single process only)", "capacity", capacity)
		return dedup.NewMemoryGuard(capacity)
	case strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "host="):
		slog.Info("Dedup guard: PostgreSQL (multi-process)", "capacity", capacity)
		return dedup.NewPostgresGuard(dedup.WithDSN(dsn), dedup.WithCapacity(capacity))
	default:
		slog.Info("Dedup guard: SQLite (shared host)", "dsn", dsn, "capacity", capacity)
		return dedup.NewSQLiteGuard(dedup.WithDSN(dsn), dedup.WithCapacity(capacity))
	}
}

// buildLimeOptions constructs Lime client configuration options
func buildLimeOptions(flags Flags) []lime.Option {
	var opts []lime.Option
	if *flags.identifier != "" {
		opts = append(opts, lime.WithIdentifier(*flags.identifier))
	}
	if *flags.accessKey != "" {
		opts = append(opts, lime.WithAccessKey(*flags.accessKey))
	}
	if *flags.hostname != "" {
		opts = append(opts, lime.WithHostname(*flags.hostname))
	}
	if *flags.trace {
		opts = append(opts, lime.WithTrace(true))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		opts = append(opts, genai.WithModel(*flags.model))
	}
	if *flags.systemPrompt != "" {
		opts = append(opts, genai.WithSystemPrompt(*flags.systemPrompt))
	}
	return opts
}

// run wires the modules together and serves until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, err := buildGuard(flags)
	if err != nil {
		return fmt.Errorf("failed to build dedup guard: %w", err)
	}

	client, err := lime.NewClient(buildLimeOptions(flags)...)
	if err != nil {
		return err
	}

	responder, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	var historyOpts []history.Option
	if *flags.historyVar != "" {
		historyOpts = append(historyOpts, history.WithVariableName(*flags.historyVar))
	}
	histories := func(sessionID string) (dispatch.History, error) {
		return history.NewStore(client, sessionID, historyOpts...)
	}

	dispatcher, err := dispatch.NewDispatcher(client, responder,
		dispatch.WithGuard(guard),
		dispatch.WithHistoryFactory(histories),
	)
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}
	dispatcher.Register(client)

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	slog.Info("LimePipe started; press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("LimePipe shutting down")
	return nil
}

// defaultSQLitePath returns the SQLite dedup path under the state dir.
// Kept for deployments that want file-backed dedup without configuring
// a DSN explicitly.
func defaultSQLitePath(stateDir string) string {
	return filepath.Join(stateDir, DefaultDBFileName)
}
