package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roost-run/roost/pkg/client"
	"github.com/roost-run/roost/pkg/config"
	"github.com/roost-run/roost/pkg/controlapi"
	"github.com/roost-run/roost/pkg/events"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/reconciler"
	"github.com/roost-run/roost/pkg/storage"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the central controller",
	Long: `Run the central controller.

The controller owns the durable desired-state store and continuously
reconciles it against what the node agents report, issuing corrective
deploy, start, stop, and remove calls.`,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().StringP("config", "c", "/etc/roost/controller.yaml", "Controller config file")
}

func runController(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadController(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("controller")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker, log.WithComponent("events"))

	clients := make(map[string]reconciler.NodeClient, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		clients[node.ID] = client.NewForNode(node)
		metrics.RegisterComponent("node:"+node.ID, true, "")
	}

	rec := reconciler.New(store, clients, broker, reconciler.Config{
		Interval:             cfg.ReconcileInterval,
		FullSyncEvery:        cfg.FullSyncEvery,
		MaxConcurrentNodes:   cfg.MaxConcurrentNodes,
		MaxConcurrentRepairs: cfg.MaxConcurrentRepairs,
		UnhealthyThreshold:   cfg.UnhealthyThreshold,
		AbsentPurgeAfter:     cfg.AbsentPurgeAfter,
	})

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "")
	mux := http.NewServeMux()
	controlapi.NewServer(store).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	apiServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("admin API listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin API server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("nodes", len(cfg.Nodes)).Dur("interval", cfg.ReconcileInterval).Msg("starting reconciler")
	rec.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
