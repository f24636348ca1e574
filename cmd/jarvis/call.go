package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvislabs/jarvis/pkg/wsclient"
)

func buildCallCmd() *cobra.Command {
	var (
		hubURL  string
		token   string
		timeout time.Duration
		watch   []string
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke a hub method over the control plane",
		Long: `Call connects to the hub's websocket control plane, invokes a single
method, and prints the result as indented JSON. Params, when given, must be a
JSON object.

With --watch the connection stays open after the call and matching events are
printed as JSON lines until interrupted.`,
		Example: `  jarvis call agents.list
  jarvis call tasks.create '{"title":"triage inbox","priority":"high"}'
  jarvis call tasks.list '{"status":"queued"}' --hub ws://hub.internal:8700
  jarvis call agents.list --watch task.updated --watch agent.updated`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON: %q", args[1])
				}
				params = json.RawMessage(args[1])
			}
			return runCall(cmd, hubURL, token, args[0], params, timeout, watch)
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub", envOr("JARVIS_HUB", "ws://127.0.0.1:8700"), "hub address (ws://, wss://, http:// or host:port)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("AUTH_TOKEN"), "bearer token for the hub")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")
	cmd.Flags().StringArrayVar(&watch, "watch", nil, "event to stream after the call (repeatable)")

	return cmd
}

func runCall(cmd *cobra.Command, hubURL, token, method string, params json.RawMessage, timeout time.Duration, watch []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := wsclient.Dial(ctx, hubURL, token, wsclient.WithCallTimeout(timeout))
	if err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	defer client.Close()

	out := cmd.OutOrStdout()

	// Handlers must be registered before the call: the hub broadcasts events
	// triggered by a method before it answers it.
	enc := json.NewEncoder(out)
	for _, event := range watch {
		event := event
		client.On(event, func(payload json.RawMessage) {
			_ = enc.Encode(map[string]any{"event": event, "payload": payload})
		})
	}

	result, err := client.Call(ctx, method, params)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	fmt.Fprintln(out, string(pretty))

	if len(watch) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return fmt.Errorf("hub connection closed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
