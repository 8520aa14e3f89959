// Command toolproxy runs a reverse proxy in front of supervised MCP tool
// backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z".
var Version = "0.0.0-dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "toolproxy",
	Short: "Supervise MCP tool backends behind one HTTP endpoint",
	Long: `toolproxy launches and supervises MCP tool servers, bridges stdio
servers onto HTTP and routes /<name>/... requests to the right backend.

Examples:
  toolproxy serve --config toolproxy.yaml
  toolproxy status --addr http://127.0.0.1:8080
  toolproxy validate --config toolproxy.yaml`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "toolproxy.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
