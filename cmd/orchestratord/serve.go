package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fleetmesh/orchestrator/internal/clock"
	"github.com/fleetmesh/orchestrator/internal/config"
	"github.com/fleetmesh/orchestrator/internal/discovery"
	"github.com/fleetmesh/orchestrator/internal/dispatcher"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/orchestrator"
	"github.com/fleetmesh/orchestrator/internal/store"
	"github.com/fleetmesh/orchestrator/internal/store/postgres"
	"github.com/fleetmesh/orchestrator/internal/transport/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults embedded if omitted)")
	serveCmd.Flags().String("listen", "", "HTTP listen address, overrides config http.listen_addr")
	serveCmd.Flags().Bool("mdns", false, "Advertise this orchestrator over mDNS, overrides config discovery.enabled")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("orchestratord")

	cfgPath, _ := cmd.Flags().GetString("config")
	listenOverride, _ := cmd.Flags().GetString("listen")
	mdnsOverride, _ := cmd.Flags().GetBool("mdns")

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listenOverride != "" {
		cfg.HTTP.ListenAddr = listenOverride
	}
	if mdnsOverride {
		cfg.Discovery.Enabled = true
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	transport := dispatcher.NewHTTPTransport(nil)
	orch := orchestrator.New(cfg, clock.System{}, transport, st, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := orch.RecoverFromStore(ctx); err != nil {
		cancel()
		return err
	}
	cancel()

	runCtx, stopRun := context.WithCancel(context.Background())
	go orch.Run(runCtx)
	defer orch.Stop()

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(reloaded config.Config) {
			if _, err := orch.UpdateConfig(map[string]any{
				"network.load_balance_algorithm": reloaded.Network.LoadBalanceAlgorithm,
				"network.max_nodes":              reloaded.Network.MaxNodes,
				"network.min_nodes":              reloaded.Network.MinNodes,
				"placement.allow_degraded":       reloaded.Placement.AllowDegraded,
				"placement.strict_preferred":     reloaded.Placement.StrictPreferred,
				"liveness.degraded_factor":       reloaded.Liveness.DegradedFactor,
				"liveness.offline_factor":        reloaded.Liveness.OfflineFactor,
			}); err != nil {
				logger.Warn().Err(err).Msg("hot-reload rejected")
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher not started")
		} else {
			defer watcher.Close()
		}
	}

	if cfg.Discovery.Enabled {
		port := portFromAddr(cfg.HTTP.ListenAddr)
		advertiser, err := discovery.Start("", port)
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertisement not started")
		} else {
			defer advertiser.Close()
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: httpapi.New(orch).Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	stopRun()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Store.Driver == "postgres" {
		return postgres.Open(cfg.Store.DSN, cfg.Store.MigrationsPath)
	}
	return store.NewInMemory(), nil
}

// portFromAddr extracts the numeric port from a ":8080"-style listen
// address for mDNS advertisement; defaults to 8080 if unparsable.
func portFromAddr(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, r := range addr[i+1:] {
				if r < '0' || r > '9' {
					return 8080
				}
				port = port*10 + int(r-'0')
			}
			if port == 0 {
				return 8080
			}
			return port
		}
	}
	return 8080
}
