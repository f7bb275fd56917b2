package main

import (
	"context"
	"fmt"
	"os"

	"cumulus/pkg/config"
	"cumulus/pkg/drive"
	"cumulus/pkg/status"
	"cumulus/pkg/store"
	"cumulus/pkg/transfer"
	"cumulus/pkg/transport"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9")).Bold(true)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cumulus",
		Short: "Local-first client for a remote file store",
		Long: `A local-first drive client: node metadata is cached on disk and kept
fresh through an incremental change feed, so listings and path lookups never
touch the network.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		syncCmd(),
		resolveCmd(),
		lsCmd(),
		treeCmd(),
		mkdirCmd(),
		trashCmd(),
		restoreCmd(),
		mvCmd(),
		renameCmd(),
		uploadCmd(),
		overwriteCmd(),
		downloadCmd(),
		streamCmd(),
		catCmd(),
		findCmd(),
		findHashCmd(),
		usageCmd(),
		mountCmd(),
		clearCacheCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(status.ArgumentError))
	}
}

// openClient loads the config, opens the persisted store and starts the
// transfer workers. The returned cleanup stops the workers and flushes the
// snapshot; it must run before the process exits.
func openClient(logger *zap.Logger) (*drive.Client, *config.Config, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(cfg.CacheDir, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	tp := transport.NewHTTP(cfg.Endpoint, nil, logger)
	client := drive.New(cfg, tp, st, logger)
	client.Start()

	cleanup := func() {
		client.Close()
		if err := st.Close(); err != nil {
			logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	return client, cfg, cleanup, nil
}

// finish reports a command result and exits with the compound status code on
// failure. cleanup runs before exiting so the snapshot is never lost.
func finish(cleanup func(), err error, upload bool) error {
	if err == nil {
		return nil
	}
	flags := drive.FlagsFor(err, upload)
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ ")+err.Error())
	cleanup()
	os.Exit(int(flags))
	return nil
}

// finishBatch is finish for per-file outcomes: every failure is printed and
// the exit code carries the OR of all their flags.
func finishBatch(cleanup func(), result *transfer.BatchResult, upload bool) error {
	flags := drive.FlagsForBatch(result, upload)
	for _, o := range result.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", errorStyle.Render("✗"), o.LocalPath, o.Err)
		} else if verbose {
			fmt.Printf("%s %s\n", successStyle.Render("✓"), o.LocalPath)
		}
	}
	if flags == status.OK {
		fmt.Println(successStyle.Render("✓ ") +
			fmt.Sprintf("%d file(s) transferred", len(result.Outcomes)))
		return nil
	}
	fmt.Fprintf(os.Stderr, "%d of %d file(s) failed (%s)\n",
		result.Failed(), len(result.Outcomes), flags)
	cleanup()
	os.Exit(int(flags))
	return nil
}

func syncCmd() *cobra.Command {
	var (
		full      bool
		subtree   string
		recursive bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the cache with the remote change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			if subtree != "" {
				err = client.SyncSubtree(ctx, subtree, recursive)
			} else {
				err = client.Sync(ctx, full)
			}
			if err != nil {
				return finish(cleanup, err, false)
			}

			stats := client.Usage()
			fmt.Println(successStyle.Render("✓ sync complete ") +
				mutedStyle.Render(fmt.Sprintf("(%d nodes, %d files, %d folders)",
					stats.Nodes, stats.Files, stats.Folders)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "rebuild the cache from scratch")
	cmd.Flags().StringVar(&subtree, "subtree", "", "refresh one folder only, without moving the checkpoint")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "with --subtree, refresh the whole subtree")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [path]",
		Short: "Map a remote path to its node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := client.Resolve(args[0])
			if err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(id)
			return nil
		},
	}
}

func clearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop all cached metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.ClearCache(); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(successStyle.Render("✓ cache cleared") +
				mutedStyle.Render(" (run sync to rebuild)"))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cumulus v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
