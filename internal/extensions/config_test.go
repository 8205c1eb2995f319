package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/substratelabs/switchboard/internal/protocol"
)

func TestConfigValidate(t *testing.T) {
	handler := &stubHandler{}
	callback := func(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
		return protocol.TextResult("ok"), nil
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid stdio",
			cfg:  Config{Name: "dev", Transport: TransportStdio, Command: "npx", Args: []string{"-y", "server"}},
		},
		{
			name: "valid sse",
			cfg:  Config{Name: "remote", Transport: TransportSSE, URI: "https://tools.example.com"},
		},
		{
			name: "valid streamable http",
			cfg:  Config{Name: "remote", Transport: TransportStreamableHTTP, URI: "http://localhost:8080"},
		},
		{
			name: "valid builtin",
			cfg:  Config{Name: "developer", Transport: TransportBuiltin},
		},
		{
			name: "valid platform",
			cfg:  Config{Name: "schedule", Transport: TransportPlatform, Handler: handler},
		},
		{
			name: "valid frontend",
			cfg:  Config{Name: "ui", Transport: TransportFrontend, Callback: callback},
		},
		{
			name:    "missing name",
			cfg:     Config{Transport: TransportBuiltin},
			wantErr: "name is required",
		},
		{
			name:    "name with separator",
			cfg:     Config{Name: "my__ext", Transport: TransportBuiltin},
			wantErr: "must not contain",
		},
		{
			name:    "stdio without command",
			cfg:     Config{Name: "dev", Transport: TransportStdio},
			wantErr: "command is required",
		},
		{
			name:    "stdio path traversal",
			cfg:     Config{Name: "dev", Transport: TransportStdio, Command: "../../bin/evil"},
			wantErr: "path traversal",
		},
		{
			name:    "stdio arg with command substitution",
			cfg:     Config{Name: "dev", Transport: TransportStdio, Command: "run", Args: []string{"$(rm -rf /)"}},
			wantErr: "shell metacharacters",
		},
		{
			name:    "stdio arg with pipe",
			cfg:     Config{Name: "dev", Transport: TransportStdio, Command: "run", Args: []string{"a|b"}},
			wantErr: "shell metacharacters",
		},
		{
			name:    "sse without uri",
			cfg:     Config{Name: "remote", Transport: TransportSSE},
			wantErr: "uri is required",
		},
		{
			name:    "http bad scheme",
			cfg:     Config{Name: "remote", Transport: TransportStreamableHTTP, URI: "ftp://example.com"},
			wantErr: "http:// or https://",
		},
		{
			name:    "platform without handler",
			cfg:     Config{Name: "p", Transport: TransportPlatform},
			wantErr: "requires a handler",
		},
		{
			name:    "frontend without callback",
			cfg:     Config{Name: "ui", Transport: TransportFrontend},
			wantErr: "requires a callback",
		},
		{
			name:    "unknown transport",
			cfg:     Config{Name: "x", Transport: "carrier_pigeon"},
			wantErr: "unknown transport",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tc.wantErr)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %T", err)
			}
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	cfg := Config{Name: "x", Transport: TransportBuiltin}
	if got := cfg.EffectiveTimeout(); got != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, got)
	}

	cfg.Timeout = 5 * time.Second
	if got := cfg.EffectiveTimeout(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
}

func TestContainsShellMetachars(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected bool
	}{
		// Allowed: common legitimate argument shapes
		{"plain flag", "--config", false},
		{"path argument", "/var/data/store.db", false},
		{"spaces allowed", "hello world", false},
		{"quotes allowed", `--message="hi"`, false},

		// Rejected: chaining and substitution
		{"command substitution", "$(whoami)", true},
		{"variable expansion", "${HOME}", true},
		{"backtick", "`id`", true},
		{"and chain", "a && b", true},
		{"or chain", "a || b", true},
		{"semicolon", "a; b", true},
		{"pipe", "a | b", true},
		{"redirect out", "a > f", true},
		{"redirect in", "a < f", true},
		{"newline", "a\nb", true},
		{"carriage return", "a\rb", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := containsShellMetachars(tc.value); got != tc.expected {
				t.Errorf("containsShellMetachars(%q) = %v, want %v", tc.value, got, tc.expected)
			}
		})
	}
}

func TestConfigJSON(t *testing.T) {
	cfg := Config{
		Name:           "github",
		Transport:      TransportStdio,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-github"},
		Env:            map[string]string{"GITHUB_TOKEN": "t"},
		Timeout:        45 * time.Second,
		AvailableTools: []string{"search_issues"},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Config
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Name != cfg.Name {
		t.Errorf("expected Name %q, got %q", cfg.Name, decoded.Name)
	}
	if decoded.Transport != TransportStdio {
		t.Errorf("expected transport stdio, got %q", decoded.Transport)
	}
	if len(decoded.Args) != 2 {
		t.Errorf("expected 2 args, got %d", len(decoded.Args))
	}
	if decoded.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", decoded.Timeout)
	}
}
