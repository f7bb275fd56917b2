package main

import (
	"context"
	"fmt"
	"os"

	"cumulus/pkg/drive"
	"cumulus/pkg/transfer"

	"github.com/spf13/cobra"
)

func uploadCmd() *cobra.Command {
	var (
		exclude []string
		force   bool
		ifNewer bool
		dedup   bool
	)

	cmd := &cobra.Command{
		Use:   "upload [local]... [remote-folder]",
		Short: "Upload files or directories to a remote folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := drive.UploadOptions{
				Exclude: exclude,
				Policy:  overwritePolicy(force, ifNewer),
				Dedup:   dedup,
			}
			remoteDir := args[len(args)-1]

			combined := &transfer.BatchResult{}
			for _, local := range args[:len(args)-1] {
				result, err := client.Upload(context.Background(), local, remoteDir, opts)
				if err != nil {
					combined.Outcomes = append(combined.Outcomes,
						transfer.Outcome{LocalPath: local, Err: err})
					continue
				}
				combined.Outcomes = append(combined.Outcomes, result.Outcomes...)
			}
			return finishBatch(cleanup, combined, true)
		},
	}

	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "exclude by suffix or glob (case-insensitive)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing remote files")
	cmd.Flags().BoolVar(&ifNewer, "if-newer", false, "overwrite only when the local file is newer")
	cmd.Flags().BoolVar(&dedup, "dedup", false, "skip files whose content already exists remotely")
	return cmd
}

func overwriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overwrite [local] [remote-file]",
		Short: "Replace a remote file's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.Overwrite(context.Background(), args[0], args[1]); err != nil {
				return finish(cleanup, err, true)
			}
			fmt.Println(successStyle.Render("✓ overwritten ") + args[1])
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "download [remote] [local-dir]",
		Short: "Download a file or folder tree",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			localDir := "."
			if len(args) > 1 {
				localDir = args[1]
			}

			result, err := client.Download(context.Background(), args[0], localDir,
				drive.UploadOptions{Exclude: exclude})
			if err != nil {
				return finish(cleanup, err, false)
			}
			return finishBatch(cleanup, result, false)
		},
	}

	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "exclude by suffix or glob (case-insensitive)")
	return cmd
}

func streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream [remote-path]",
		Short: "Upload stdin as a remote file",
		Long:  `Stream uploads cannot be retried or deduplicated; the source is read exactly once.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			node, err := client.UploadStream(context.Background(), os.Stdin, args[0])
			if err != nil {
				return finish(cleanup, err, true)
			}
			fmt.Println(successStyle.Render("✓ streamed ") + args[0] +
				mutedStyle.Render(" ("+formatBytes(node.Size)+")"))
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat [remote-path]",
		Short: "Stream a remote file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.DownloadStream(context.Background(), args[0], os.Stdout); err != nil {
				return finish(cleanup, err, false)
			}
			return nil
		},
	}
}

func overwritePolicy(force, ifNewer bool) transfer.OverwritePolicy {
	switch {
	case force:
		return transfer.PolicyForce
	case ifNewer:
		return transfer.PolicyIfNewer
	default:
		return transfer.PolicySkip
	}
}
