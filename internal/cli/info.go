package cli

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// InfoCmd returns the info command.
func InfoCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show storage usage, tables and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				info, err := a.svc.GetStorageInfo(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, info)
				}

				fmt.Fprintf(out, "Database:  %s\n", info.Path)
				fmt.Fprintf(out, "Size:      %s (WAL %s)\n", humanize.Bytes(uint64(info.SizeBytes)), humanize.Bytes(uint64(info.WALSizeBytes)))
				if info.FreeBytes > 0 {
					fmt.Fprintf(out, "Free:      %s reclaimable by vacuum\n", humanize.Bytes(uint64(info.FreeBytes)))
				}
				fmt.Fprintf(out, "Records:   %s\n", humanize.Comma(int64(info.TotalRecords)))
				fmt.Fprintf(out, "Queue:     %s entries\n", humanize.Comma(int64(info.QueueEntries)))
				fmt.Fprintf(out, "Conflicts: %s recorded\n", humanize.Comma(int64(info.Conflicts)))

				if len(info.Tables) > 0 {
					names := make([]string, 0, len(info.Tables))
					for name := range info.Tables {
						names = append(names, name)
					}
					sort.Strings(names)
					fmt.Fprintln(out, "\nTables:")
					for _, name := range names {
						fmt.Fprintf(out, "  %-24s %s\n", name, humanize.Comma(int64(info.Tables[name])))
					}
				}

				backups, err := a.export.Stats()
				if err == nil && backups.TotalBackups > 0 {
					fmt.Fprintf(out, "\nBackups:   %d (%s), newest %s\n",
						backups.TotalBackups, humanize.Bytes(uint64(backups.TotalSize)), humanize.Time(*backups.Newest))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print storage info as JSON")
	return cmd
}

// VacuumCmd returns the vacuum command.
func VacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Purge old completed queue entries and compact the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				before, err := a.svc.GetStorageInfo(cmd.Context())
				if err != nil {
					return err
				}
				purged, err := a.manager.Queue().Purge(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.svc.Vacuum(cmd.Context()); err != nil {
					return err
				}
				after, err := a.svc.GetStorageInfo(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %s completed operations, compacted %s -> %s\n",
					humanize.Comma(purged), humanize.Bytes(uint64(before.SizeBytes)), okColor.Sprint(humanize.Bytes(uint64(after.SizeBytes))))
				return nil
			})
		},
	}
}
