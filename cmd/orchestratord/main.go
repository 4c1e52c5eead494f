// Command orchestratord runs the orchestrator control plane: HTTP/JSON API,
// WebSocket dashboard feed, and optional mDNS advertisement.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetmesh/orchestrator/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Control plane for a fleetmesh node/task fabric",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
