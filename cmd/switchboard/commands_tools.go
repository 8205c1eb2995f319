package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/substratelabs/switchboard/internal/builtin"
	"github.com/substratelabs/switchboard/internal/config"
	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

// buildToolsrvCmd creates the "toolsrv" command. The builtin transport
// re-executes this binary with `toolsrv <name>` and speaks the tool
// protocol over the child's stdio.
func buildToolsrvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toolsrv <name>",
		Short: "Serve a bundled tool server over stdio",
		Long: fmt.Sprintf(`Serve one of the bundled tool servers on stdin/stdout.

Bundled servers: %s

This is the child side of the builtin transport; extensions configured
with transport "builtin" spawn it automatically.`, strings.Join(builtin.Names(), ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return builtin.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0])
		},
	}
}

// buildExtensionsCmd creates the "extensions" command group.
func buildExtensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extensions",
		Short: "Inspect configured extensions",
	}
	cmd.AddCommand(buildExtensionsListCmd())
	cmd.AddCommand(buildExtensionsToolsCmd())
	return cmd
}

func buildExtensionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured extensions and their transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	return cmd
}

func buildExtensionsToolsCmd() *cobra.Command {
	var (
		configPath    string
		extensionName string
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Start wire extensions and list the tools they advertise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtensionsTools(cmd, configPath, extensionName)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&extensionName, "extension", "e", "",
		"Only start the named extension")
	return cmd
}

// runExtensionsList handles the extensions list command.
func runExtensionsList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(cfg.Extensions) == 0 {
		fmt.Fprintln(out, "No extensions configured.")
		return nil
	}
	fmt.Fprintln(out, "Extensions:")
	for _, entry := range cfg.Extensions {
		fmt.Fprintf(out, "  %s (%s) - %s\n", entry.Name, entry.Transport, describeExtension(entry))
	}
	return nil
}

// describeExtension renders the launch target for one config entry.
func describeExtension(entry config.ExtensionConfig) string {
	switch extensions.TransportType(entry.Transport) {
	case extensions.TransportStdio:
		if len(entry.Args) == 0 {
			return entry.Command
		}
		return entry.Command + " " + strings.Join(entry.Args, " ")
	case extensions.TransportBuiltin:
		return "bundled server"
	case extensions.TransportPlatform:
		return entry.PlatformName() + " (in-process)"
	case extensions.TransportFrontend:
		return fmt.Sprintf("%d ui tools", len(entry.FrontendTools))
	default:
		return entry.URI
	}
}

// runExtensionsTools handles the extensions tools command. It starts
// the wire-backed extensions; platform and frontend entries only exist
// inside a running serve process, so they are reported but skipped.
func runExtensionsTools(cmd *cobra.Command, configPath, extensionName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mgr := extensions.NewManager()
	defer closeExtensions(mgr)

	var skipped []string
	for _, entry := range cfg.Extensions {
		if extensionName != "" && entry.Name != extensionName {
			continue
		}
		rt, err := entry.Runtime()
		if err != nil {
			return err
		}
		if rt.Transport == extensions.TransportPlatform || rt.Transport == extensions.TransportFrontend {
			skipped = append(skipped, entry.Name)
			continue
		}
		if err := mgr.AddExtension(cmd.Context(), rt, cfg.Session.WorkingDir); err != nil {
			fmt.Fprintf(out, "Extension %s failed to start: %v\n", entry.Name, err)
		}
	}

	meta := protocol.Meta{}.WithSession("cli-" + uuid.NewString())
	if cfg.Session.WorkingDir != "" {
		meta = meta.WithWorkingDir(cfg.Session.WorkingDir)
	}
	tools := mgr.GetPrefixedTools(cmd.Context(), nil, meta)
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools available.")
	} else {
		fmt.Fprintln(out, "Tools:")
		for _, tool := range tools {
			fmt.Fprintf(out, "  - %s: %s\n", tool.Name, tool.Description)
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(out, "In-process extensions not started here: %s (use serve)\n",
			strings.Join(skipped, ", "))
	}
	return nil
}

// buildCallCmd creates the "call" command for one-shot tool calls.
func buildCallCmd() *cobra.Command {
	var (
		configPath string
		rawArgs    []string
		sessionID  string
	)
	cmd := &cobra.Command{
		Use:   "call <extension>__<tool>",
		Short: "Call a tool on a configured extension",
		Example: `  # Call a tool with arguments
  switchboard call files__read_file --arg path=README.md

  # Arguments accept JSON values
  switchboard call search__query --arg limit=5 --arg 'filters={"lang":"go"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, configPath, args[0], rawArgs, sessionID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil,
		"Tool argument as key=value (repeatable, values parsed as JSON when possible)")
	cmd.Flags().StringVar(&sessionID, "session", "",
		"Session ID to attach to the call")
	return cmd
}

// runCall handles the call command: start one extension, dispatch one
// tool call, print the result.
func runCall(cmd *cobra.Command, configPath, qualifiedName string, rawArgs []string, sessionID string) error {
	extensionName, _, err := extensions.SplitToolName(qualifiedName)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var entry *config.ExtensionConfig
	for i := range cfg.Extensions {
		if cfg.Extensions[i].Name == extensionName {
			entry = &cfg.Extensions[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("extension %q is not configured", extensionName)
	}

	rt, err := entry.Runtime()
	if err != nil {
		return err
	}
	if rt.Transport == extensions.TransportPlatform || rt.Transport == extensions.TransportFrontend {
		return fmt.Errorf("extension %q runs in-process; call it through serve", extensionName)
	}

	mgr := extensions.NewManager()
	defer closeExtensions(mgr)
	if err := mgr.AddExtension(cmd.Context(), rt, cfg.Session.WorkingDir); err != nil {
		return fmt.Errorf("start extension %q: %w", extensionName, err)
	}

	toolArgs, err := parseToolArgs(rawArgs)
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()
	}
	meta := protocol.Meta{}.WithSession(sessionID)
	if cfg.Session.WorkingDir != "" {
		meta = meta.WithWorkingDir(cfg.Session.WorkingDir)
	}

	result, err := mgr.DispatchToolCall(cmd.Context(), models.ToolCall{
		ID:        uuid.NewString(),
		Name:      qualifiedName,
		Arguments: toolArgs,
	}, meta)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), result)
}

// buildSchemaCmd creates the "schema" command.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func closeExtensions(mgr *extensions.Manager) {
	if err := mgr.Close(); err != nil {
		slog.Warn("failed to close extensions", "error", err)
	}
}

// printResult renders a tool call result. Text content prints as-is,
// anything else as JSON.
func printResult(out io.Writer, result *protocol.CallToolResult) error {
	if result == nil || len(result.Content) == 0 {
		fmt.Fprintln(out, "No result.")
		return nil
	}
	if result.IsError {
		fmt.Fprintln(out, "Tool returned an error:")
	}
	for _, item := range result.Content {
		if item.Type == "text" {
			fmt.Fprintln(out, item.Text)
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(payload))
	}
	return nil
}
