package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetmesh/orchestrator/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate orchestrator configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load a YAML config file and validate it without starting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid\n", args[0])
		fmt.Printf("  load_balance_algorithm: %s\n", cfg.Network.LoadBalanceAlgorithm)
		fmt.Printf("  http.listen_addr:       %s\n", cfg.HTTP.ListenAddr)
		fmt.Printf("  store.driver:           %s\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
