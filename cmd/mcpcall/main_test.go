package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-stdio-client/internal/stubserver"
)

func TestMain(m *testing.M) {
	if os.Getenv(stubserver.EnvStubServer) == "1" {
		os.Exit(stubserver.Main())
	}
	os.Exit(m.Run())
}

func testExecutable(t *testing.T) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}
	return exe
}

func runCommand(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun(t *testing.T) {
	exe := testExecutable(t)

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "call from flags",
			args:       []string{"--command", exe, "-e", "MCP_STUB_SERVER=1", "-t", "echo", "--arguments", `{"text":"hello"}`},
			wantStdout: "echo: echoes input\nhello\n",
		},
		{
			name:       "list only",
			args:       []string{"--command", exe, "-e", "MCP_STUB_SERVER=1", "-t", "echo", "-l"},
			wantStdout: "echo: echoes input\n",
		},
		{
			name:       "unknown tool",
			args:       []string{"--command", exe, "-e", "MCP_STUB_SERVER=1", "-t", "missing_tool"},
			wantCode:   1,
			wantStdout: "echo: echoes input\n",
			wantStderr: `tool "missing_tool" not found`,
		},
		{
			name:       "arguments not an object",
			args:       []string{"--command", exe, "-t", "echo", "--arguments", `["hello"]`},
			wantCode:   1,
			wantStderr: "arguments must be a JSON object",
		},
		{
			name:       "no server command",
			args:       []string{"-t", "echo"},
			wantCode:   1,
			wantStderr: "no server command configured",
		},
		{
			name:       "server cannot be started",
			args:       []string{"--command", "mcp-stdio-client-no-such-server"},
			wantCode:   1,
			wantStderr: "failed to spawn server",
		},
		{
			name:       "handshake rejected",
			args:       []string{"--command", exe, "-e", "MCP_STUB_SERVER=1", "-e", "MCP_STUB_MODE=reject-initialize"},
			wantCode:   1,
			wantStderr: "handshake failed",
		},
		{
			name:     "unknown flag",
			args:     []string{"--no-such-flag"},
			wantCode: 2,
		},
		{
			name:       "help",
			args:       []string{"--help"},
			wantStdout: "Usage:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCommand(t, tt.args...)

			if code != tt.wantCode {
				t.Errorf("run() = %d, want %d\nstderr: %s", code, tt.wantCode, stderr)
			}
			if !strings.Contains(stdout, tt.wantStdout) {
				t.Errorf("stdout = %q, want it to contain %q", stdout, tt.wantStdout)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want it to contain %q", stderr, tt.wantStderr)
			}
		})
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpcall.yaml")
	config := `
server:
  command: ` + testExecutable(t) + `
env:
  MCP_STUB_SERVER: "1"
  MCP_STUB_MODE: all-tools
  INDEX_NAME: docs-v2
timeouts:
  initialize: 5s
  request: 5s
  grace: 500ms
calls:
  - tool: env
    arguments: '{"name": "INDEX_NAME"}'
  - tool: echo
    arguments: '{"text": "second call"}'
`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	code, stdout, stderr := runCommand(t, "-c", path)
	if code != 0 {
		t.Fatalf("run() = %d, stderr: %s", code, stderr)
	}

	for _, want := range []string{"echo: echoes input\n", "exit: exits the server\n", "docs-v2\nsecond call\n"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout = %q, want it to contain %q", stdout, want)
		}
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpcall.yaml")
	config := `
server:
  command: mcp-stdio-client-no-such-server
calls:
  - tool: fail
`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	code, stdout, stderr := runCommand(t, "-c", path,
		"--command", testExecutable(t), "-e", "MCP_STUB_SERVER=1",
		"-t", "echo", "--arguments", `{"text":"from flags"}`)
	if code != 0 {
		t.Fatalf("run() = %d, stderr: %s", code, stderr)
	}
	if !strings.HasSuffix(stdout, "from flags\n") {
		t.Errorf("stdout = %q, want it to end with the echo result", stdout)
	}
}

func TestRunEnvironmentOverride(t *testing.T) {
	t.Setenv("MCPCALL_LOG_LEVEL", "verbose")

	code, _, stderr := runCommand(t, "--command", testExecutable(t))
	if code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if !strings.Contains(stderr, `invalid log level "verbose"`) {
		t.Errorf("stderr = %q, want an invalid log level error", stderr)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Timeouts.Initialize != 30*time.Second || cfg.Timeouts.Request != 30*time.Second {
		t.Errorf("timeouts = %+v, want 30s defaults", cfg.Timeouts)
	}
	if cfg.Timeouts.Grace != 2*time.Second {
		t.Errorf("grace = %v, want 2s", cfg.Timeouts.Grace)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Server.Command != "" || len(cfg.Calls) != 0 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() accepted a missing explicit config file")
	}
}

func TestCallConfigParseArguments(t *testing.T) {
	tests := []struct {
		name      string
		arguments string
		wantKeys  []string
		wantErr   bool
	}{
		{name: "empty", arguments: "", wantKeys: nil},
		{name: "blank", arguments: "  ", wantKeys: nil},
		{name: "object", arguments: `{"Text":"a","limit":3}`, wantKeys: []string{"Text", "limit"}},
		{name: "array", arguments: `[1]`, wantErr: true},
		{name: "invalid", arguments: `{"text":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := CallConfig{Tool: "echo", Arguments: tt.arguments}.ParseArguments()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseArguments() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(args) != len(tt.wantKeys) {
				t.Fatalf("ParseArguments() = %v, want keys %v", args, tt.wantKeys)
			}
			for _, k := range tt.wantKeys {
				if _, ok := args[k]; !ok {
					t.Errorf("argument %q missing", k)
				}
			}
		})
	}
}
