// Command statsync is the offline-first sync daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/statsync/internal/cli"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := cli.RootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
