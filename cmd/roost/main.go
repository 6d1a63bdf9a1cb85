package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roost-run/roost/pkg/events"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost - tool container lifecycle and reconciliation",
	Long: `Roost runs sandboxed tool containers across a fleet of nodes and
keeps their actual state converged with the declared desired state.

A node agent runs next to each container engine and owns all local
lifecycle operations; a central controller reconciles the durable
desired specs against what the agents report.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Roost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(instanceCmd)
}

// logEvents tails the broker and mirrors every event into the log.
func logEvents(broker *events.Broker, logger zerolog.Logger) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		logger.Info().
			Str("type", string(event.Type)).
			Str("node", event.NodeID).
			Str("instance", event.InstanceName).
			Str("correlation_id", event.CorrelationID).
			Str("before", event.Before).
			Str("after", event.After).
			Str("message", event.Message).
			Msg("event")
	}
}
