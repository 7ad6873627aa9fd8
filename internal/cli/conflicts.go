package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/statsync/internal/sync/conflict"
)

// ConflictsCmd returns the conflicts command group.
func ConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve replication conflicts",
	}
	cmd.AddCommand(conflictsListCmd())
	cmd.AddCommand(conflictsShowCmd())
	cmd.AddCommand(conflictsResolveCmd())
	cmd.AddCommand(conflictsStatsCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts waiting for a manual decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				pending, err := a.svc.GetPendingConflicts(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, okColor.Sprint("No pending conflicts"))
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTABLE\tENTITY\tTYPE\tLOCAL\tREMOTE\tDETECTED")
				for _, c := range pending {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						c.ID, c.EntityType, c.EntityID, c.ConflictType,
						versionOf(c.LocalData), versionOf(c.RemoteData), humanize.Time(c.CreatedAt))
				}
				return w.Flush()
			})
		},
	}
}

func conflictsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print both sides of a conflict as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				pending, err := a.svc.GetPendingConflicts(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range pending {
					if c.ID == args[0] {
						return printJSON(cmd.OutOrStdout(), c)
					}
				}
				return fmt.Errorf("no pending conflict %s", args[0])
			})
		},
	}
}

func conflictsResolveCmd() *cobra.Command {
	var (
		choice string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a pending conflict with the local, remote or custom copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := conflict.Choice(choice)
			var custom map[string]any
			switch c {
			case conflict.ChoiceLocal, conflict.ChoiceRemote:
			case conflict.ChoiceCustom:
				parsed, err := parseData(data)
				if err != nil {
					return err
				}
				custom = parsed
			default:
				return fmt.Errorf("--choice must be local, remote or custom")
			}

			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.svc.ResolveConflict(cmd.Context(), args[0], c, custom)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s/%s with %s copy (v%s)\n",
					res.EntityType, res.EntityID, okColor.Sprint(res.ResolutionStrategy), versionOf(res.ResolvedData))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&choice, "choice", "", "local, remote or custom")
	cmd.Flags().StringVar(&data, "data", "", "JSON fields for --choice custom")
	cmd.MarkFlagRequired("choice")
	return cmd
}

func conflictsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show conflict counts by state, type and strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				stats, err := a.svc.ConflictStatistics(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}
