package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// runCall places one outbound call through Twilio.
func runCall(ctx context.Context, out io.Writer, configPath, to string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newTwilioClient(cfg, slog.Default(), nil, nil)
	if err != nil {
		return err
	}
	call, err := placeCall(ctx, client, cfg, to)
	if err != nil {
		return fmt.Errorf("place call: %w", err)
	}
	fmt.Fprintf(out, "call %s to %s: %s\n", call.SID, call.To, call.Status)
	return nil
}
