package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/haasonsaas/callrelay/internal/agents"
)

// runStages prints the pipeline, or one stage's full settings payload.
func runStages(out io.Writer, configPath, settingsFor string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	registry, prompts, err := newRegistry(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer prompts.Close()

	if settingsFor != "" {
		stage, err := agents.ParseStage(settingsFor)
		if err != nil {
			return err
		}
		settings, err := registry.Build(stage, "")
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tVOICE\tMODEL\tFUNCTIONS\tNEXT\tPROMPT")
	for _, stage := range agents.Stages() {
		persona := registry.Persona(stage)
		var names []string
		for _, fn := range agents.FunctionsFor(stage) {
			names = append(names, fn.Name)
		}
		next := "(end)"
		if n, ok := stage.Next(); ok {
			next = n.String()
		}
		source := "built-in"
		if prompts.Overridden(stage) {
			source = "override"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			stage.DisplayName(), persona.VoiceModel, persona.ThinkModel,
			strings.Join(names, ","), next, source)
	}
	return w.Flush()
}
