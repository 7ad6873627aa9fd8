package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ExportCmd returns the export command.
func ExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every local table as a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				result, err := a.export.Export(cmd.Context(), w)
				if err != nil {
					return err
				}
				if w != cmd.OutOrStdout() {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s records from %d tables (%s) to %s\n",
						humanize.Comma(int64(result.TotalRecords)), len(result.Tables),
						humanize.Bytes(uint64(result.SizeBytes)), output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// ImportCmd returns the import command.
func ImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replay an export document as new local records",
		Long: `Every record is created anew through the normal write path: it gets a new
identity and version 1 and is queued for every backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.export.Import(cmd.Context(), f)
				if err != nil {
					return err
				}
				printImport(cmd, result.ImportedCount, result.SkippedCount)
				return nil
			})
		},
	}
}

func printImport(cmd *cobra.Command, imported, skipped int) {
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s records", okColor.Sprint(humanize.Comma(int64(imported))))
	if skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", skipped %s", warnColor.Sprint(skipped))
	}
	fmt.Fprintln(cmd.OutOrStdout())
}

// BackupCmd returns the backup command group.
func BackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, validate and restore compressed backups",
	}
	cmd.AddCommand(backupCreateCmd())
	cmd.AddCommand(backupListCmd())
	cmd.AddCommand(backupValidateCmd())
	cmd.AddCommand(backupRestoreCmd())
	cmd.AddCommand(backupDeleteCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Back up every local table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.export.CreateBackup(cmd.Context(), description)
				if err != nil {
					return err
				}
				enc := ""
				if m.Encrypted {
					enc = " encrypted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created%s backup %s: %s records, %s\n",
					enc, okColor.Sprint(m.ID), humanize.Comma(int64(m.RecordCount)), humanize.Bytes(uint64(m.Size)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "label stored with the backup")
	return cmd
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				backups, err := a.export.ListBackups()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(backups) == 0 {
					fmt.Fprintf(out, "No backups in %s\n", a.export.Dir())
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCREATED\tRECORDS\tSIZE\tENCRYPTED\tDESCRIPTION")
				for _, b := range backups {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\t%s\n",
						b.ID, humanize.Time(b.Timestamp), b.RecordCount, humanize.Bytes(uint64(b.Size)), b.Encrypted, b.Description)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				stats, err := a.export.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%d backups, %s total\n", stats.TotalBackups, humanize.Bytes(uint64(stats.TotalSize)))
				return nil
			})
		},
	}
}

func backupValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Check a backup's integrity without restoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				report, err := a.export.ValidateBackup(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if report.Valid {
					fmt.Fprintf(out, "%s %s\n", okColor.Sprint("valid"), args[0])
					return nil
				}
				fmt.Fprintf(out, "%s %s\n", errColor.Sprint("invalid"), args[0])
				for _, issue := range report.Issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
				return fmt.Errorf("backup %s failed validation", args[0])
			})
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Replay a backup as new local records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.export.RestoreBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printImport(cmd, result.ImportedCount, result.SkippedCount)
				return nil
			})
		},
	}
}

func backupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.export.DeleteBackup(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted backup %s\n", args[0])
				return nil
			})
		},
	}
}
