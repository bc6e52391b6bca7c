// Package commands implements vdoctl's cobra command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build-time variables; set by main from ldflags before Execute runs.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vdoctl",
	Short: "Start and inspect a vdodedupe device",
	Long: `vdoctl runs a vdodedupe device: a block-level deduplication and
compression layer sitting in front of a backing store.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: "+defaultConfigHint()+")")
}

func defaultConfigHint() string {
	return "$XDG_CONFIG_HOME/vdodedupe/config.yaml"
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
	return rootCmd.Execute()
}
