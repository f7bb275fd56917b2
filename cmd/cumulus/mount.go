package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cumulus/pkg/fusefs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func mountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount [mountpoint]",
		Short: "Mount the drive as a filesystem",
		Long: `Mount exposes the cached tree at a local mountpoint. Reads fetch content
in chunks; writes buffer locally and upload on close. The cache is refreshed
periodically while mounted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, cfg, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			mountpoint := args[0]
			server, err := fusefs.Mount(client, mountpoint, cfg.FS, logger)
			if err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(successStyle.Render("✓ mounted at ") + mountpoint)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("unmounting")
				if err := server.Unmount(); err != nil {
					logger.Warn("unmount failed, filesystem may be busy", zap.Error(err))
				}
			}()

			server.Wait()
			return nil
		},
	}

	return cmd
}
