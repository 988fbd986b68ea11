package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the call server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		callLead   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the callrelay server",
		Long: `Start the HTTP server that accepts Twilio media streams.

The server will:
1. Load configuration from the given file, or from the environment
2. Start the media stream WebSocket, TwiML and status webhooks
3. Serve /healthz and Prometheus /metrics
4. End calls that run past sessions.max_duration

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start from environment variables only
  callrelay serve

  # Start with a config file and call the lead number once listening
  callrelay serve --config callrelay.yaml --call-lead`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, callLead)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&callLead, "call-lead", false, "Place an outbound call to twilio.lead_number after startup")
	return cmd
}

// buildCallCmd creates the "call" command that places an outbound call.
func buildCallCmd() *cobra.Command {
	var (
		configPath string
		to         string
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an outbound call connected to the callrelay server",
		Example: `  callrelay call --to +15551234567
  callrelay call --config callrelay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), cmd.OutOrStdout(), configPath, to)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&to, "to", "", "Destination number (defaults to twilio.lead_number)")
	return cmd
}

// buildStagesCmd creates the "stages" command that prints the stage pipeline.
func buildStagesCmd() *cobra.Command {
	var (
		configPath string
		settings   string
	)

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the agent stages and their settings",
		Example: `  callrelay stages
  callrelay stages --settings advisor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.OutOrStdout(), configPath, settings)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&settings, "settings", "", "Print the full settings payload for this stage")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callrelay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
