package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RecordCmd returns the record command group, the local read/write path.
func RecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		Aliases: []string{"rec"},
		Short:   "Create, read, update and delete local records",
		Long: `Writes go to the local store first and are queued for every configured
backend. They succeed offline; run "statsync sync" or the daemon to
replicate them.`,
	}
	cmd.AddCommand(recordCreateCmd())
	cmd.AddCommand(recordGetCmd())
	cmd.AddCommand(recordListCmd())
	cmd.AddCommand(recordUpdateCmd())
	cmd.AddCommand(recordDeleteCmd())
	return cmd
}

func recordCreateCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "create <table>",
		Short: "Create a record from JSON fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseData(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				e, err := a.svc.Create(cmd.Context(), args[0], fields)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "record fields as a JSON object")
	return cmd
}

func recordGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Read a record, falling back to the backends when it is not local",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				e, err := a.svc.FindByID(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func recordListCmd() *cobra.Command {
	var where string

	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List local records, optionally filtered by equality on fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conditions map[string]any
			if where != "" {
				parsed, err := parseData(where)
				if err != nil {
					return fmt.Errorf("--where: %w", err)
				}
				conditions = parsed
			}
			return withApp(cmd.Context(), func(a *app) error {
				records, err := a.svc.FindAll(cmd.Context(), args[0], conditions)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}

	cmd.Flags().StringVar(&where, "where", "", "JSON object of field equality conditions")
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "update <table> <id>",
		Short: "Merge JSON fields into a record and bump its version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseData(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				e, err := a.svc.Update(cmd.Context(), args[0], args[1], fields)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "fields to change as a JSON object")
	return cmd
}

func recordDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <id>",
		Short: "Delete a record locally and queue the delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.svc.Delete(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}
