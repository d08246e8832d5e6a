package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/xsync/internal/config"
	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/history"
	"github.com/schaermu/xsync/internal/sync"
	"github.com/schaermu/xsync/internal/transport"
	"github.com/schaermu/xsync/internal/transport/fstransport"
	"github.com/schaermu/xsync/internal/transport/sftptransport"
)

const dialTimeout = 30 * time.Second

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	mirrorDir string

	// Clone command flags
	cloneRecord bool
	cloneFile   bool

	// History command flags
	historyLimit int

	// overrides layers XSYNC_* variables and changed flags over the file
	overrides = config.NewViper()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(xerrors.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "xsync",
	Short: "Push local changes to a remote directory over SFTP",
	Long: `xsync keeps a remote directory in step with a local one, transferring only
what was added, changed or removed since the last run.

A .xsync.toml manifest in the synced directory records what the remote side
is known to contain. Paths listed in .xsyncignore are never transferred.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <source> [dest]",
	Short: "Sync a local directory or file to the remote host",
	Long: `Sync compares the source with its manifest and applies the difference to the
remote destination: new folders are created, removed files are deleted,
new files are uploaded and changed files are uploaded again.

The destination defaults to the base name of the source directory, or the
remote working directory when the source is a single file.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSync,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <remote> <dest>",
	Short: "Download a remote directory or file",
	Long: `Clone downloads the remote directory into dest/<name of remote>. With --file
the remote path is a single file written to dest.

With --record the downloaded items are recorded in a manifest so a later
sync back to the same remote only transfers changes.`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/xsync/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flags.String("host", "", "remote host")
	flags.Int("port", 22, "remote SSH port")
	flags.String("user", "", "remote user")
	flags.Bool("dry-run", false, "show what would be done without making changes")
	flags.Int("workers", 1, "number of parallel file transfers")
	flags.StringVar(&mirrorDir, "mirror", "", "use this local directory as the remote side instead of SFTP")

	bindFlag("remote.host", flags.Lookup("host"))
	bindFlag("remote.port", flags.Lookup("port"))
	bindFlag("remote.user", flags.Lookup("user"))
	bindFlag("sync.dry_run", flags.Lookup("dry-run"))
	bindFlag("sync.workers", flags.Lookup("workers"))

	// Sync command flags
	syncCmd.Flags().Bool("delete-folders", false, "remove remote folders that no longer exist locally")
	bindFlag("sync.delete_folders", syncCmd.Flags().Lookup("delete-folders"))

	// Clone command flags
	cloneCmd.Flags().BoolVar(&cloneRecord, "record", false, "record downloaded items in a manifest")
	cloneCmd.Flags().BoolVar(&cloneFile, "file", false, "treat the remote path as a single file")

	// History command flags
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show (0 for all)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	source := args[0]
	dest := ""
	if len(args) > 1 {
		dest = args[1]
	}

	// A dry run never touches the remote side, so no session is opened
	var tr transport.Transport
	if !cfg.Sync.DryRun {
		tr, err = openTransport(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to connect", "error", err)
			return err
		}
		defer closeTransport(tr, logger)
	}

	// Create sync engine
	engine := sync.NewEngine(cfg.Sync, tr, logger)

	// Run sync
	report, err := engine.Run(ctx, source, dest)
	recordRun(ctx, cfg, logger, report, err)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	remote, dest := args[0], args[1]

	tr, err := openTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		return err
	}
	defer closeTransport(tr, logger)

	engine := sync.NewEngine(cfg.Sync, tr, logger)

	var report *sync.Report
	if cloneFile {
		local, lerr := sync.LocalDir(filepath.Dir(dest))
		if lerr != nil {
			return lerr
		}
		report, err = engine.CloneFile(ctx, remote, local, filepath.Base(dest), cloneRecord)
	} else {
		local, lerr := sync.LocalDir(filepath.Join(dest, path.Base(filepath.ToSlash(remote))))
		if lerr != nil {
			return lerr
		}
		report, err = engine.Clone(ctx, remote, local, cloneRecord)
	}

	recordRun(ctx, cfg, logger, report, err)
	if err != nil {
		logger.Error("clone failed", "error", err)
		return err
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.History.Path); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}

	journal, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = journal.Close()
	}()

	entries, err := journal.List(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	return printHistory(cmd, entries)
}

func printHistory(cmd *cobra.Command, entries []history.Entry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tMODE\tSTATUS\tSOURCE\tDEST\tCHANGES\tELAPSED")
	for _, e := range entries {
		status := e.Status
		if e.DryRun {
			status += " (dry-run)"
		}
		changes := fmt.Sprintf("+%d ~%d -%d dirs+%d dirs-%d down%d",
			e.FilesUploaded, e.FilesUpdated, e.FilesRemoved,
			e.FoldersCreated, e.FoldersRemoved, e.FilesDownloaded)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Started.Local().Format(time.DateTime), e.Mode, status,
			e.Source, e.Dest, changes, e.Elapsed.Round(time.Millisecond))
	}
	return w.Flush()
}

// recordRun journals the outcome of a run. Journal failures are logged
// and never fail the run itself.
func recordRun(ctx context.Context, cfg *config.Config, logger *slog.Logger, report *sync.Report, runErr error) {
	if !cfg.History.Enabled || report == nil {
		return
	}

	entry := history.Entry{
		Mode:            report.Mode,
		Source:          report.Source,
		Dest:            report.Dest,
		DryRun:          report.DryRun,
		Started:         report.Started,
		Elapsed:         report.Elapsed,
		Status:          history.StatusSuccess,
		FoldersCreated:  report.FoldersCreated,
		FoldersRemoved:  report.FoldersRemoved,
		FilesRemoved:    report.FilesRemoved,
		FilesUploaded:   report.FilesUploaded,
		FilesUpdated:    report.FilesUpdated,
		FilesDownloaded: report.FilesDownloaded,
	}
	if runErr != nil {
		entry.Status = history.StatusFailed
		entry.Error = runErr.Error()
	}

	if err := cfg.EnsureHistoryDir(); err != nil {
		logger.Warn("failed to record run", "error", err)
		return
	}
	journal, err := history.Open(cfg.History.Path)
	if err != nil {
		logger.Warn("failed to record run", "error", err)
		return
	}
	defer func() {
		_ = journal.Close()
	}()

	// The run context may already be cancelled; the journal entry is
	// still written.
	if _, err := journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("failed to record run", "error", err)
	}
}

// openTransport opens the remote side: a local mirror directory when
// --mirror is given, an SFTP session otherwise.
func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	if mirrorDir != "" {
		logger.Info("using local mirror as remote", "path", mirrorDir)
		return localTransport(mirrorDir)
	}
	return dialSFTP(ctx, cfg, logger)
}

func dialSFTP(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}
	return sftptransport.Dial(ctx, sftptransport.Options{
		Host:           cfg.Remote.Host,
		Port:           cfg.Remote.Port,
		User:           cfg.Remote.User,
		Credentials:    creds,
		KnownHostsFile: cfg.Remote.KnownHostsFile,
		DialTimeout:    dialTimeout,
		Logger:         logger,
	})
}

func closeTransport(tr transport.Transport, logger *slog.Logger) {
	if err := tr.Close(); err != nil {
		logger.Warn("failed to close remote session", "error", err)
	}
}

// localTransport serves remote paths from a local directory
func localTransport(root string) (transport.Transport, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.NewLocalIOError("create mirror root", root, err)
	}
	return fstransport.New(osfs.New(root)), nil
}

func bindFlag(key string, flag *pflag.Flag) {
	if err := overrides.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %s: %v", key, err))
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
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

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path; only an explicit path must exist
	configPath := cfgFile
	required := configPath != ""
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.LoadOrDefault(configPath, required)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"host", cfg.Remote.Host,
		"port", cfg.Remote.Port,
		"user", cfg.Remote.User,
		"auth", cfg.Auth.Method,
		"workers", cfg.Sync.Workers)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
