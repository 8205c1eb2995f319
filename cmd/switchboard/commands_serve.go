package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/substratelabs/switchboard/internal/agent"
	"github.com/substratelabs/switchboard/internal/agent/providers"
	"github.com/substratelabs/switchboard/internal/config"
	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/frontend"
	"github.com/substratelabs/switchboard/internal/observability"
	"github.com/substratelabs/switchboard/internal/platform"
	"github.com/substratelabs/switchboard/internal/shim"
	"github.com/substratelabs/switchboard/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
		chatOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard runtime",
		Long: `Start the runtime with the configured provider and extension set.

With a terminal attached, prompts are read from stdin in a small REPL
against one session. Headless runs keep the HTTP surface (metrics,
frontend socket) up until SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with custom config and reload on changes
  switchboard serve --config /etc/switchboard/production.yaml --watch

  # Start with debug logging
  switchboard serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug, watch, chatOnly)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", false,
		"Rebuild the runtime when the config file changes")
	cmd.Flags().BoolVar(&chatOnly, "chat-only", false,
		"Disable tool advertisement and emulation for this run")

	return cmd
}

// runtime bundles everything serve builds from one config snapshot. A
// config reload builds a fresh runtime and retires the old one; the
// HTTP surface and the frontend socket persist across swaps.
type runtime struct {
	cfg            *config.Config
	manager        *agent.Manager
	output         *platform.OutputHandler
	providerName   string
	model          string
	extensionCount int
}

func (r *runtime) Close() error { return r.manager.Close() }

// runtimeDeps carries the pieces that outlive a config reload.
type runtimeDeps struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	chatOnly bool
}

func runServe(cmd *cobra.Command, configPath string, debug, watch, chatOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Observability.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     logCfg.Level,
		Format:    resolveLogFormat(logCfg.Format),
		Output:    os.Stderr,
		AddSource: logCfg.AddSource,
	})
	slog.SetDefault(logger.Slog())

	slog.Info("starting switchboard",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "switchboard",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SampleRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
	}

	// The HTTP surface exists when metrics are enabled or a frontend
	// extension needs its socket; the socket mounts either way so a
	// UI can attach before the first frontend tool call.
	var sock *frontend.Socket
	if cfg.Observability.Metrics.Enabled || hasFrontendExtension(cfg) {
		sock = frontend.NewSocket(frontend.WithLogger(logger.Slog()))
	}

	deps := runtimeDeps{
		logger:   logger.Slog(),
		metrics:  metrics,
		tracer:   tracer,
		chatOnly: chatOnly,
	}
	rt, err := buildRuntime(cfg, sock, deps)
	if err != nil {
		return err
	}

	var (
		rtMu    sync.Mutex
		current = rt
	)
	getRuntime := func() *runtime {
		rtMu.Lock()
		defer rtMu.Unlock()
		return current
	}
	defer func() {
		if err := getRuntime().Close(); err != nil {
			slog.Warn("runtime close", "error", err)
		}
	}()

	if sock != nil {
		shutdownHTTP, err := startHTTPServer(cfg.Observability.Metrics.Addr,
			cfg.Observability.Metrics.Enabled, sock, logger.Slog())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownHTTP(shutdownCtx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
		}()
		defer sock.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watch {
		watcher, err := config.Watch(configPath, func(next *config.Config) {
			replacement, err := buildRuntime(next, sock, deps)
			if err != nil {
				slog.Warn("config change rejected, keeping runtime", "error", err)
				return
			}
			rtMu.Lock()
			retired := current
			current = replacement
			rtMu.Unlock()
			if err := retired.Close(); err != nil {
				slog.Warn("retired runtime close", "error", err)
			}
			slog.Info("runtime rebuilt from config change",
				"model", replacement.model, "extensions", replacement.extensionCount)
		}, config.WithWatchLogger(logger.Slog()))
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Close()
	}

	slog.Info("switchboard ready",
		"provider", rt.providerName,
		"model", rt.model,
		"extensions", rt.extensionCount,
	)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return runREPL(ctx, cmd, getRuntime)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")
	return nil
}

// buildRuntime assembles provider, platform handlers, extension set,
// and agent manager from one config snapshot.
func buildRuntime(cfg *config.Config, sock *frontend.Socket, deps runtimeDeps) (*runtime, error) {
	provider, defaultModel, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Agent.Model)
	if model == "" {
		model = defaultModel
	}

	registry := platform.NewRegistry()
	output := platform.NewOutputHandler()
	handlers := map[string]extensions.PlatformHandler{
		"schedule": platform.NewScheduleHandler(),
		"output":   output,
		"subagent": platform.NewSubagentHandler(platform.SubagentConfig{
			Provider: provider,
			Model:    model,
		}),
	}
	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			return nil, err
		}
	}

	extConfigs, err := assembleExtensions(cfg, registry, sock)
	if err != nil {
		return nil, err
	}

	manager, err := agent.NewManager(agent.ManagerConfig{
		Provider:        provider,
		Extensions:      extConfigs,
		Model:           model,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		ToolFilter:      cfg.Agent.ToolFilter,
		ChatOnly:        cfg.Agent.ChatOnly || deps.chatOnly,
		Detector:        shim.NewDetector(agent.NewProbe(provider)),
		MaxIterations:   cfg.Agent.MaxIterations,
		MaxTokens:       cfg.Agent.MaxTokens,
		ToolParallelism: cfg.Agent.ToolParallelism,
		Logger:          deps.logger,
		Metrics:         deps.metrics,
		Tracer:          deps.tracer,
	})
	if err != nil {
		return nil, err
	}
	manager.StartSweeper(cfg.Session.SweepEvery(), cfg.Session.IdleTimeout())

	return &runtime{
		cfg:            cfg,
		manager:        manager,
		output:         output,
		providerName:   provider.Name(),
		model:          model,
		extensionCount: len(extConfigs),
	}, nil
}

// newProvider builds the configured LLM binding. The map key under
// llm.providers selects the wire format: "anthropic" and "openai" are
// native; any other key is treated as an OpenAI-compatible endpoint
// and must carry base_url.
func newProvider(cfg *config.Config) (agent.Provider, string, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if providerID == "" {
		providerID = "anthropic"
	}

	providerCfg, ok := cfg.LLM.Providers[providerID]
	if !ok {
		return nil, "", fmt.Errorf("provider config missing for %q", providerID)
	}

	switch providerID {
	case "anthropic":
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, providerCfg.DefaultModel, nil
	case "openai":
		provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
			DisableTools: providerCfg.DisableTools,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, providerCfg.DefaultModel, nil
	default:
		if providerCfg.BaseURL == "" {
			return nil, "", fmt.Errorf("unsupported provider %q (custom providers need base_url)", providerID)
		}
		provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			Name:         providerID,
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
			DisableTools: providerCfg.DisableTools,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, providerCfg.DefaultModel, nil
	}
}

// assembleExtensions converts config entries into runnable extension
// configs, binding platform handlers and the frontend callback.
func assembleExtensions(cfg *config.Config, registry *platform.Registry, sock *frontend.Socket) ([]extensions.Config, error) {
	configs := make([]extensions.Config, 0, len(cfg.Extensions))
	for _, entry := range cfg.Extensions {
		rt, err := entry.Runtime()
		if err != nil {
			return nil, err
		}
		switch rt.Transport {
		case extensions.TransportPlatform:
			handler, ok := registry.Get(entry.PlatformName())
			if !ok {
				return nil, fmt.Errorf("extension %q: unknown platform handler %q (registered: %s)",
					entry.Name, entry.PlatformName(), strings.Join(registry.Names(), ", "))
			}
			rt.Handler = handler
		case extensions.TransportFrontend:
			if sock == nil {
				return nil, fmt.Errorf("extension %q: no frontend socket available", entry.Name)
			}
			rt.Callback = sock.Call
		}
		configs = append(configs, rt)
	}
	return configs, nil
}

func hasFrontendExtension(cfg *config.Config) bool {
	for _, entry := range cfg.Extensions {
		if extensions.TransportType(entry.Transport) == extensions.TransportFrontend {
			return true
		}
	}
	return false
}

func resolveLogFormat(format string) string {
	if format == "" || format == "auto" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			return "text"
		}
		return "json"
	}
	return format
}

// startHTTPServer serves metrics, health, and the frontend socket.
func startHTTPServer(addr string, metricsEnabled bool, sock *frontend.Socket, logger *slog.Logger) (func(context.Context) error, error) {
	mux := http.NewServeMux()
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	if sock != nil {
		mux.Handle("/frontend", sock)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	logger.Info("http server started", "addr", addr)

	return server.Shutdown, nil
}

// runREPL drives one interactive session over stdin until EOF, exit,
// or a shutdown signal.
func runREPL(ctx context.Context, cmd *cobra.Command, current func() *runtime) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())
	session := models.Session{
		ID:         uuid.NewString(),
		WorkingDir: current().cfg.Session.WorkingDir,
	}
	var history []models.Message

	fmt.Fprintln(out, `Interactive session started. Enter a prompt, or "exit" to quit.`)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		history = append(history, models.Message{Role: models.RoleUser, Content: line})
		reply, err := replyOnce(ctx, current(), session, history, out)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, reply)
	}
}

// replyOnce runs one turn and renders its events as they arrive.
func replyOnce(ctx context.Context, rt *runtime, session models.Session, history []models.Message, out io.Writer) (models.Message, error) {
	ag, err := rt.manager.GetOrCreate(ctx, session)
	if err != nil {
		return models.Message{}, err
	}
	events, err := ag.Reply(ctx, history)
	if err != nil {
		return models.Message{}, err
	}

	var text strings.Builder
	for event := range events {
		switch {
		case event.Error != nil:
			return models.Message{}, event.Error
		case event.Text != "":
			fmt.Fprint(out, event.Text)
			text.WriteString(event.Text)
		case event.ToolCall != nil:
			fmt.Fprintf(out, "\n[%s]\n", event.ToolCall.Name)
		case event.ToolResult != nil && event.ToolResult.IsError:
			fmt.Fprintf(out, "[tool error: %s]\n", event.ToolResult.Content)
		case event.Usage != nil:
			slog.Debug("reply usage",
				"input_tokens", event.Usage.InputTokens,
				"output_tokens", event.Usage.OutputTokens)
		}
	}
	fmt.Fprintln(out)

	if final, ok := rt.output.Final(session.ID); ok {
		fmt.Fprintf(out, "final output: %s\n", final)
		rt.output.Clear(session.ID)
	}

	return models.Message{Role: models.RoleAssistant, Content: text.String()}, nil
}
