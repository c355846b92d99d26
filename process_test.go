package mcp_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/mcp-stdio-client"
	"github.com/MegaGrindStone/mcp-stdio-client/internal/stubserver"
)

func TestSpawnMissingExecutable(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "not on PATH", path: "mcp-stdio-client-no-such-server"},
		{name: "absolute path", path: filepath.Join(t.TempDir(), "missing")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcp.Spawn(mcp.ServerCommand{Path: tt.path}, nil)

			var spawnErr *mcp.SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("Spawn() error = %v, want SpawnError", err)
			}
			if spawnErr.Path != tt.path {
				t.Errorf("Path = %q, want %q", spawnErr.Path, tt.path)
			}
		})
	}
}

func TestConnectionConfig(t *testing.T) {
	vars := map[string]string{"INDEX_NAME": "docs", "API_KEY": "secret"}
	cfg := mcp.NewConnectionConfig(vars)
	vars["API_KEY"] = "changed"

	env := cfg.Environ()
	tail := env[len(env)-2:]
	if want := []string{"API_KEY=secret", "INDEX_NAME=docs"}; !slices.Equal(tail, want) {
		t.Errorf("Environ() ends with %v, want %v", tail, want)
	}
}

func TestServerProcessRoundTrip(t *testing.T) {
	proc, err := mcp.Spawn(stubCommand(t), stubConfig(stubserver.ModeDefault, nil))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer proc.Close()

	if proc.PID() <= 0 {
		t.Errorf("PID() = %d", proc.PID())
	}
	if _, exited := proc.ExitStatus(); exited {
		t.Error("ExitStatus() reports a running server as exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeMessage(ctx, t, proc, mcp.JSONRPCMessage{ID: "1", Method: mcp.MethodPing})
	msgs, err := readMessages(proc, 1)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if msgs[0].ID != "1" || msgs[0].Error != nil {
		t.Errorf("received %+v, want result for request 1", msgs[0])
	}

	if err := proc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	code, exited := proc.ExitStatus()
	if !exited || code != 0 {
		t.Errorf("ExitStatus() = %d, %v, want 0, true", code, exited)
	}
	if err := proc.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServerProcessRejectsMalformedFrames(t *testing.T) {
	proc, err := mcp.Spawn(stubCommand(t), stubConfig(stubserver.ModeDefault, nil))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer proc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		frame    string
		wantCode int
	}{
		{frame: "not json\n", wantCode: mcp.JSONRPCParseErrorCode},
		{frame: `{"jsonrpc":"1.0","id":"1","method":"ping"}` + "\n", wantCode: mcp.JSONRPCInvalidRequestCode},
	}
	for _, tt := range tests {
		if err := proc.Write(ctx, []byte(tt.frame)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		msgs, err := readMessages(proc, 1)
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		if msgs[0].Error == nil || msgs[0].Error.Code != tt.wantCode {
			t.Errorf("reply to %q = %+v, want error code %d", tt.frame, msgs[0], tt.wantCode)
		}
	}
}

func TestServerProcessShutdownEscalation(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		wantCode int
	}{
		{name: "exits when stdin closes", mode: stubserver.ModeDefault, wantCode: 0},
		{name: "terminated", mode: stubserver.ModeLinger, wantCode: -1},
		{name: "killed", mode: stubserver.ModeStubborn, wantCode: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, err := mcp.Spawn(stubCommand(t), stubConfig(tt.mode, nil),
				mcp.WithGracePeriod(200*time.Millisecond))
			if err != nil {
				t.Fatalf("Spawn() error = %v", err)
			}

			closed := make(chan error, 1)
			go func() {
				closed <- proc.Close()
			}()

			select {
			case err := <-closed:
				if err != nil {
					t.Errorf("Close() error = %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("Close did not terminate the server")
			}

			select {
			case <-proc.Done():
			default:
				t.Error("Done() not closed after Close")
			}
			if code, exited := proc.ExitStatus(); !exited || code != tt.wantCode {
				t.Errorf("ExitStatus() = %d, %v, want %d, true", code, exited, tt.wantCode)
			}
		})
	}
}

func TestServerProcessEOFOnExit(t *testing.T) {
	proc, err := mcp.Spawn(stubCommand(t), stubConfig(stubserver.ModeAllTools, nil))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer proc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeMessage(ctx, t, proc, mcp.JSONRPCMessage{
		ID:     "1",
		Method: mcp.MethodToolsCall,
		Params: []byte(`{"name":"exit","arguments":{"code":3}}`),
	})

	if _, err := proc.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("Read() error = %v, want io.EOF", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
	}
	if code, _ := proc.ExitStatus(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestServerProcessStderr(t *testing.T) {
	var stderr syncBuffer
	proc, err := mcp.Spawn(stubCommand(t), stubConfig(stubserver.ModeDefault, nil), mcp.WithServerStderr(&stderr))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(stderr.String(), "stdin closed") {
		t.Errorf("server stderr = %q, want it to mention stdin closed", stderr.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
