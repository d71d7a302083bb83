package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/vol2git/internal/activation"
	"github.com/schaermu/vol2git/internal/config"
	"github.com/schaermu/vol2git/internal/report"
	"github.com/schaermu/vol2git/internal/store"
	"github.com/schaermu/vol2git/internal/sync"
	"github.com/schaermu/vol2git/internal/trigger"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	strict    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vol2git",
	Short: "Mirror object storage volumes into a Git repository",
	Long: `vol2git mirrors the files of a storage volume (Databricks Unity Catalog
volume, S3 or MinIO bucket, local directory) into a Git repository and pushes
only the files whose content changed since the last successful run.

Without a config file it reads the environment variables GITHUB_REPO,
GITHUB_PAT, DATABRICKS_HOST, DATABRICKS_TOKEN and VOLUME_PATH (optionally from
a .env file).`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from the volume to the repository",
	Long: `Sync prepares the working tree, fingerprints every file of the volume,
compares the fingerprints with the record of the last run and transfers,
commits and pushes the files that are new or modified.

The record is only updated after a successful push, so failed files are
picked up again by the next run.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the fingerprint record of the last successful run",
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger server",
	Long: `Serve starts a long-running HTTP server that performs a sync whenever a
request signed with the shared secret arrives on POST /trigger. Requests are
debounced and runs never overlap. Systemd socket activation is supported.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vol2git %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vol2git/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file loaded before configuration (default is ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when some files failed")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := withRunLog(logger, cfg.Paths.LogDir, time.Now())
	if err != nil {
		return err
	}
	defer closeLog()

	rep, err := runOnce(ctx, cfg, logger, dryRun)
	if rep != nil && logFormat != "json" {
		report.Render(cmd.OutOrStdout(), rep, !color.NoColor)
	}
	if err != nil {
		return err
	}
	if strict && rep.Outcome == report.Partial {
		return fmt.Errorf("sync finished with %d failed file(s)", rep.Failed)
	}
	return nil
}

// runOnce builds the collaborators from cfg and performs a single run.
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*report.Report, error) {
	vol, err := newVolume(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	gitClient, err := newGitClient(cfg)
	if err != nil {
		return nil, err
	}

	engine := sync.NewEngine(cfg, vol, gitClient, store.NewFileStore(cfg.Paths.StateDir), logger, dryRun)
	return engine.Run(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st := store.NewFileStore(cfg.Paths.StateDir)
	state, err := st.Load()
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st.Path(), state)
	return nil
}

func printStatus(w io.Writer, path string, state *store.State) {
	_, _ = fmt.Fprintf(w, "record:  %s\n", path)
	if state.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "no successful run recorded yet\n")
		return
	}
	_, _ = fmt.Fprintf(w, "files:   %d\n", len(state.Fingerprints))
	_, _ = fmt.Fprintf(w, "commit:  %s\n", state.Commit)
	_, _ = fmt.Fprintf(w, "updated: %s (%s)\n", state.UpdatedAt.Format(time.RFC3339), humanize.Time(state.UpdatedAt))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secret, err := cfg.ServeSecret()
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("serve.secret_file is required to start the trigger server")
	}

	server, err := trigger.New(func(ctx context.Context) error {
		runLogger, closeLog, err := withRunLog(logger, cfg.Paths.LogDir, time.Now())
		if err != nil {
			return err
		}
		defer closeLog()
		_, err = runOnce(ctx, cfg, runLogger, false)
		return err
	}, trigger.Options{
		Secret:     []byte(secret),
		Debounce:   cfg.Serve.Debounce,
		InitialRun: true,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info("listening for triggers", "addr", ln.Addr().String(), "socket_activated", activated)

	return server.Serve(ctx, ln)
}

func setupLogger(w io.Writer) *slog.Logger {
	return slog.New(newHandler(w))
}

func newHandler(w io.Writer) slog.Handler {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// loadConfig reads --config, the default config file, or falls back to
// environment mode when no config file exists.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
		if _, err := os.Stat(configPath); configPath == "" || errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, reading configuration from environment")
			return config.FromEnv(nil)
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"volume", cfg.Volume.Kind,
		"repo", cfg.Repo.URL,
		"branch", cfg.Repo.Branch,
		"repo_dir", cfg.Repo.Dir,
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
