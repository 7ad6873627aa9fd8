package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/statsync/internal/models"
)

// RootCmd returns the statsync command tree.
func RootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "statsync",
		Short:   "Offline-first sync between a local store and remote databases",
		Version: version,
		Long: `statsync keeps a local SQLite store as the source of truth for reads and
writes, queues every change durably and replicates it to the configured
relational and document backends when they are reachable.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "override the data directory")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	root.AddCommand(ServeCmd())
	root.AddCommand(SyncCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(RetryCmd())
	root.AddCommand(ConflictsCmd())
	root.AddCommand(RecordCmd())

	// Data management
	root.AddCommand(ExportCmd())
	root.AddCommand(ImportCmd())
	root.AddCommand(BackupCmd())
	root.AddCommand(InfoCmd())
	root.AddCommand(VacuumCmd())

	return root
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

// printJSON writes v indented.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseData decodes a --data flag into a field map.
func parseData(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, fmt.Errorf("--data is required")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

// shortID abbreviates identifiers in tables.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// versionOf formats an entity version, "-" for a missing side.
func versionOf(e *models.Entity) string {
	if e == nil {
		return "-"
	}
	return fmt.Sprint(e.Version)
}
