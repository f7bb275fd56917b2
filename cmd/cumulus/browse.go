package main

import (
	"fmt"
	"sort"

	"cumulus/pkg/store"
	"cumulus/pkg/types"

	"github.com/disiqueira/gotree/v3"
	"github.com/spf13/cobra"
)

func lsCmd() *cobra.Command {
	var (
		recursive    bool
		includeTrash bool
	)

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder's children",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			p := "/"
			if len(args) > 0 {
				p = args[0]
			}

			entries, err := client.ListChildren(p, recursive, includeTrash)
			if err != nil {
				return finish(cleanup, err, false)
			}

			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list subfolders recursively")
	cmd.Flags().BoolVarP(&includeTrash, "include-trash", "t", false, "include trashed nodes")
	return cmd
}

func treeCmd() *cobra.Command {
	var includeTrash bool

	cmd := &cobra.Command{
		Use:   "tree [path]",
		Short: "Print a subtree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			p := "/"
			if len(args) > 0 {
				p = args[0]
			}
			id, err := client.Resolve(p)
			if err != nil {
				return finish(cleanup, err, false)
			}

			root := gotree.New(p)
			if err := addBranch(client.Store, root, id, includeTrash, 0); err != nil {
				return finish(cleanup, err, false)
			}
			fmt.Print(root.Print())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&includeTrash, "include-trash", "t", false, "include trashed nodes")
	return cmd
}

// addBranch grows the rendered tree one folder at a time. The depth bound
// mirrors the resolver's walk limit.
func addBranch(st *store.Store, branch gotree.Tree, id types.NodeID, includeTrash bool, depth int) error {
	if depth >= 32 {
		return nil
	}
	children, err := st.Children(id)
	if err != nil {
		return err
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].IsFolder() != children[j].IsFolder() {
			return !children[i].IsFolder()
		}
		return children[i].Name < children[j].Name
	})

	for _, child := range children {
		if !includeTrash && child.IsTrashed() {
			continue
		}
		label := child.Name
		if child.IsTrashed() {
			label += mutedStyle.Render(" [trash]")
		}
		if !child.IsFolder() {
			label += mutedStyle.Render(" (" + formatBytes(child.Size) + ")")
			branch.Add(label)
			continue
		}
		sub := branch.Add(label)
		if err := addBranch(st, sub, child.ID, includeTrash, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find [name]",
		Short: "Find nodes whose name contains the given string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := client.Find(args[0])
			if err != nil {
				return finish(cleanup, err, false)
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
}

func findHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-hash [hash]",
		Short: "Find files by content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := client.FindByHash(args[0])
			if err != nil {
				return finish(cleanup, err, false)
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Summarize the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			client, _, cleanup, err := openClient(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			stats := client.Usage()
			fmt.Println(titleStyle.Render("CACHE USAGE"))
			fmt.Printf("  %s %d\n", mutedStyle.Render("nodes:  "), stats.Nodes)
			fmt.Printf("  %s %d\n", mutedStyle.Render("files:  "), stats.Files)
			fmt.Printf("  %s %d\n", mutedStyle.Render("folders:"), stats.Folders)
			fmt.Printf("  %s %d\n", mutedStyle.Render("trashed:"), stats.Trashed)
			fmt.Printf("  %s %s\n", mutedStyle.Render("size:   "), formatBytes(stats.TotalSize))
			fmt.Printf("  %s %s\n", mutedStyle.Render("checkpoint:"), checkpointLabel(client.Store.Checkpoint()))
			return nil
		},
	}
}

func checkpointLabel(cp types.Checkpoint) string {
	if cp == "" {
		return "(none)"
	}
	return string(cp)
}

func printEntry(e store.Entry) {
	typeChar := "-"
	if e.Node.IsFolder() {
		typeChar = "d"
	}
	marker := " "
	if e.Node.IsTrashed() {
		marker = "T"
	}
	fmt.Printf("%s%s %s %10s %s\n",
		typeChar, marker,
		mutedStyle.Render(string(e.Node.ID)),
		formatBytes(e.Node.Size),
		e.Path)
}
