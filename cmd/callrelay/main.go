// Package main provides the callrelay CLI.
//
// callrelay answers Twilio media streams and walks each call through a
// sequence of Deepgram voice agents (qualifier, advisor, closer), handing a
// summary of the conversation to each new agent.
//
// # Basic Usage
//
// Start the server:
//
//	callrelay serve --config callrelay.yaml
//
// Place an outbound call that connects to the running server:
//
//	callrelay call --to +15551234567
//
// Inspect the stage pipeline:
//
//	callrelay stages
//
// # Environment Variables
//
// Without a config file every setting comes from defaults and these variables:
//
//   - TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER
//   - LEAD_PHONE_NUMBER: default destination for outbound calls
//   - LEAD_SERVER_EXTERNAL_URL: public URL Twilio connects back to
//   - DEEPGRAM_API_KEY
//   - GROQ_API_KEY, GROQ_LLM
//   - QUALIFIER_VOICE_MODEL, ADVISOR_VOICE_MODEL, CLOSER_VOICE_MODEL
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callrelay",
		Short: "callrelay - staged voice agents for phone calls",
		Long: `callrelay bridges Twilio media streams to a pipeline of Deepgram voice agents.

Each call starts with a qualifier, moves to an advisor and ends with a closer.
Every handoff carries a summary of the conversation so far.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildStagesCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
