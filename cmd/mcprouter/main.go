// Command mcprouter runs the gateway server and administers its tokens and
// upstream registrations. Grounded in the teacher's cmd/mcpproxy/main.go:
// a cobra root command with shared --config/--data-dir persistent flags,
// a "serve" subcommand that owns the process lifecycle, and signal-driven
// graceful shutdown.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	dataDir    string
)

func main() {
	root := &cobra.Command{
		Use:     "mcprouter",
		Short:   "MCP aggregator gateway",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ~/.mcprouter/config.json)")
	root.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (default: ~/.mcprouter)")

	root.AddCommand(newServeCmd(), newTokenCmd(), newUpstreamCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveDataDir returns the effective data directory, honoring --data-dir
// and otherwise defaulting to ~/.mcprouter alongside the config document.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcprouter"
	}
	return filepath.Join(home, ".mcprouter")
}
