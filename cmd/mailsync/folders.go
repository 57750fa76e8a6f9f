package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newFolderCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders",
	}

	syncCmd := &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Refresh the folder list from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folders, err := e.svc.SyncFolders(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return e.emit(folders, func(w io.Writer) {
				rows := make([][]string, len(folders))
				for i, f := range folders {
					synced := ""
					if f.LastSynced != nil {
						synced = f.LastSynced.Local().Format("2006-01-02 15:04")
					}
					rows[i] = []string{f.Name, f.Delimiter, synced}
				}
				renderTable(w, []string{"Folder", "Delimiter", "Last synced"}, rows)
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <account-id> <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := e.svc.CreateFolder(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return e.emit(f, func(w io.Writer) {
				fmt.Fprintf(w, "Created folder %s\n", f.Name)
			})
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <account-id> <old-name> <new-name>",
		Short: "Rename a folder",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.svc.RenameFolder(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(e.out(), "Renamed %s to %s\n", args[1], args[2])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <account-id> <name>",
		Short: "Delete a folder and its messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.svc.DeleteFolder(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(e.out(), "Deleted folder %s\n", args[1])
			return nil
		},
	}

	emptyCmd := &cobra.Command{
		Use:   "empty <account-id> <name>",
		Short: "Permanently remove every message in a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.svc.EmptyFolder(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out(), "Removed %d messages from %s\n", n, args[1])
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats <account-id> <name>",
		Short: "Show cached message counts of a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := e.svc.FolderStats(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return e.emit(stats, func(w io.Writer) {
				renderTable(w, []string{"Total", "Unread", "Starred", "With attachments"}, [][]string{{
					itoa(stats.Total), itoa(stats.Unread), itoa(stats.Starred), itoa(stats.WithAttachments),
				}})
			})
		},
	}

	cmd.AddCommand(syncCmd, createCmd, renameCmd, deleteCmd, emptyCmd, statsCmd)
	return cmd
}
