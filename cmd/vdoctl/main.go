// Command vdoctl starts and inspects a vdodedupe device.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/vdodedupe/cmd/vdoctl/commands"

	// Blank import of the Prometheus collectors package; it defines no
	// init functions, so this only links it into the binary.
	_ "github.com/marmos91/vdodedupe/pkg/metrics/prometheus"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
