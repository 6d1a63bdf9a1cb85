package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roost-run/roost/pkg/agent"
	"github.com/roost-run/roost/pkg/config"
	"github.com/roost-run/roost/pkg/events"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/registry"
	"github.com/roost-run/roost/pkg/runtime"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long: `Run the node agent next to a container engine.

The agent serves the instance lifecycle API, rehydrates its registry
from container labels on startup, and is the only process that talks
to the local engine.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringP("config", "c", "/etc/roost/agent.yaml", "Agent config file")
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.NodeID)

	rt, err := buildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Runtime, err)
	}
	defer rt.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker, logger.With().Str("component", "events").Logger())

	srv := agent.NewServer(agent.Config{
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.ListenAddr,
		Token:      cfg.Token,
	}, rt, registry.New(), broker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("runtime", cfg.Runtime).Msg("starting node agent")
	return srv.Start(ctx)
}

func buildRuntime(cfg *config.AgentConfig) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "docker":
		return runtime.NewDockerRuntime()
	default:
		return runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	}
}
