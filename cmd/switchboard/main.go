// Package main is the switchboard CLI: an agent runtime mediating
// between an LLM provider and a set of dynamic tool extensions.
//
// # Basic Usage
//
// Start the runtime:
//
//	switchboard serve --config switchboard.yaml
//
// Inspect configured extensions and their tools:
//
//	switchboard extensions list
//	switchboard extensions tools
//
// Call one tool directly for debugging:
//
//	switchboard call developer__shell --arg command='ls'
//
// # Environment Variables
//
// The config file may reference environment variables with ${VAR};
// the usual provider keys are ANTHROPIC_API_KEY and OPENAI_API_KEY.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultConfigName is the config file looked up in the working
// directory when --config is not given.
const defaultConfigName = "switchboard.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default logger until serve installs the configured one. Stderr
	// keeps stdout clean for command output and the toolsrv wire.
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - LLM agent runtime with dynamic tool extensions",
		Long: `Switchboard mediates between an LLM provider and a set of tool
extension servers. Each session gets its own agent; agents assemble
tools from the session's extensions, stream model output, and dispatch
tool calls over stdio, SSE, streamable HTTP, bundled, in-process, or
frontend transports.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsrvCmd(),
		buildExtensionsCmd(),
		buildCallCmd(),
		buildSchemaCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "switchboard %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "built:  %s\n", date)
			return nil
		},
	}
}

// parseToolArgs parses key=value items into a JSON argument object.
// Values that parse as JSON keep their type; everything else stays a
// string, so --arg count=3 is a number and --arg name=dev a string.
func parseToolArgs(items []string) (json.RawMessage, error) {
	values := make(map[string]any, len(items))
	for _, item := range items {
		key, value, err := parseKeyValue(item)
		if err != nil {
			return nil, err
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			values[key] = parsed
		} else {
			values[key] = value
		}
	}
	return json.Marshal(values)
}

// parseKeyValue parses a single key=value string.
func parseKeyValue(item string) (string, string, error) {
	parts := strings.SplitN(item, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid arg %q, expected key=value", item)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
