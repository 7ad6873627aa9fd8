package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/statsync/internal/sync"
)

// SyncCmd returns the sync command.
func SyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the offline queue to every reachable backend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.svc.ForceSync(cmd.Context())
				if err != nil {
					return err
				}
				printSyncResult(cmd, result)
				return nil
			})
		},
	}
}

func printSyncResult(cmd *cobra.Command, r *syncpkg.SyncResult) {
	out := cmd.OutOrStdout()
	if r.Skipped {
		fmt.Fprintln(out, warnColor.Sprint("Another drain is already running"))
		return
	}
	fmt.Fprintf(out, "Processed %d operations in %s\n", r.Processed, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  completed: %s\n", okColor.Sprint(r.Completed))
	if r.Failed > 0 {
		fmt.Fprintf(out, "  failed:    %s\n", warnColor.Sprint(r.Failed))
	}
	if r.Exhausted > 0 {
		fmt.Fprintf(out, "  exhausted: %s\n", errColor.Sprint(r.Exhausted))
	}
	if r.Deferred > 0 {
		fmt.Fprintf(out, "  deferred:  %d\n", r.Deferred)
	}
	if r.Purged > 0 {
		fmt.Fprintf(out, "  purged:    %d\n", r.Purged)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "  error:     %s\n", errColor.Sprint(r.Error))
	}
}

// StatusCmd returns the status command.
func StatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show replication health: backends, queue and conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				report, err := a.svc.GetSyncStatus(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, report)
				}

				online := errColor.Sprint("offline")
				if report.Online {
					online = okColor.Sprint("online")
				}
				fmt.Fprintf(out, "Status:    %s (%s)\n", report.Status, online)
				if len(report.Backends) == 0 {
					fmt.Fprintf(out, "Backends:  %s\n", warnColor.Sprint("none configured"))
				} else {
					fmt.Fprintf(out, "Backends:  %v\n", report.Backends)
				}
				if report.LastSync != nil {
					fmt.Fprintf(out, "Last sync: %s\n", humanize.Time(*report.LastSync))
				} else {
					fmt.Fprintf(out, "Last sync: %s\n", dimColor.Sprint("never"))
				}
				if report.LastError != "" {
					fmt.Fprintf(out, "Last error: %s\n", errColor.Sprint(report.LastError))
				}

				q := report.Queue
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Queue:")
				fmt.Fprintf(out, "  pending:         %d\n", q.Pending)
				fmt.Fprintf(out, "  processing:      %d\n", q.Processing)
				fmt.Fprintf(out, "  failed:          %d\n", q.Failed)
				fmt.Fprintf(out, "  exhausted:       %d\n", q.Exhausted)
				fmt.Fprintf(out, "  completed today: %d\n", q.CompletedToday)

				conflicts := fmt.Sprint(report.PendingConflicts)
				if report.PendingConflicts > 0 {
					conflicts = warnColor.Sprint(report.PendingConflicts)
				}
				fmt.Fprintf(out, "\nPending conflicts: %s\n", conflicts)

				if len(report.FailedOperations) > 0 {
					fmt.Fprintln(out, "\nFailed operations:")
					for _, op := range report.FailedOperations {
						fmt.Fprintf(out, "  %s %s %s/%s retries=%d %s\n",
							dimColor.Sprint(shortID(op.ID)), op.Operation, op.EntityType, op.EntityID, op.RetryCount,
							errColor.Sprint(op.ErrorMessage))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// RetryCmd returns the retry command.
func RetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed and exhausted operations so the next drain retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				n, err := a.svc.RetryFailedSync(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s operations\n", humanize.Comma(n))
				return nil
			})
		},
	}
}
