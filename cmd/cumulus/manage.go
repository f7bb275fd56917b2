package main

import (
	"context"
	"fmt"

	"cumulus/pkg/types"

	"github.com/spf13/cobra"
)

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir [path]",
		Short: "Create a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			node, err := client.CreateFolder(context.Background(), args[0])
			if err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(successStyle.Render("✓ created ") + args[0] +
				mutedStyle.Render(" ("+string(node.ID)+")"))
			return nil
		},
	}
}

func trashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash [path]",
		Short: "Move a node to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.Trash(context.Background(), args[0]); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(successStyle.Render("✓ trashed ") + args[0])
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [node-id]",
		Short: "Restore a node from the trash",
		Long:  `Restore takes a node id, not a path: trashed nodes are excluded from path resolution.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.Restore(context.Background(), types.NodeID(args[0])); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Println(successStyle.Render("✓ restored ") + args[0])
			return nil
		},
	}
}

func mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv [source] [destination-folder]",
		Short: "Move a node to another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.Move(context.Background(), args[0], args[1]); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Printf("%s%s -> %s\n", successStyle.Render("✓ moved "), args[0], args[1])
			return nil
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [path] [new-name]",
		Short: "Rename a node in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.Rename(context.Background(), args[0], args[1]); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Printf("%s%s -> %s\n", successStyle.Render("✓ renamed "), args[0], args[1])
			return nil
		},
	}
}
