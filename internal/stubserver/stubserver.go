// Package stubserver implements a small tool server speaking the stdio protocol, used to exercise
// the client against a real child process. Test binaries re-execute themselves with
// EnvStubServer set and call Main from TestMain.
//
// The server always answers calls to all of its tools, but by default it only lists echo.
// Its behavior is selected with EnvMode.
package stubserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/invopop/jsonschema"

	mcp "github.com/MegaGrindStone/mcp-stdio-client"
)

const (
	// EnvStubServer marks a re-executed test binary that should run the stub server.
	EnvStubServer = "MCP_STUB_SERVER"
	// EnvMode selects the behavior of the stub server.
	EnvMode = "MCP_STUB_MODE"
)

// Modes of the stub server.
const (
	// ModeDefault serves normally and lists only echo.
	ModeDefault = ""
	// ModeAllTools lists every tool.
	ModeAllTools = "all-tools"
	// ModePaged lists every tool, one tool per page.
	ModePaged = "paged"
	// ModeRejectInitialize answers initialize with an error.
	ModeRejectInitialize = "reject-initialize"
	// ModeSilentInitialize never answers initialize.
	ModeSilentInitialize = "silent-initialize"
	// ModeBadVersion answers initialize with an unsupported protocol version.
	ModeBadVersion = "bad-version"
	// ModeGarbage writes a line that is not JSON once the client is initialized.
	ModeGarbage = "garbage"
	// ModeListChanged announces a tool list change and sends a log message once the client is
	// initialized.
	ModeListChanged = "list-changed"
	// ModeLinger keeps running after stdin is closed, until it is terminated.
	ModeLinger = "linger"
	// ModeStubborn keeps running after stdin is closed and ignores SIGTERM.
	ModeStubborn = "stubborn"
)

// Server is the stub tool server.
type Server struct {
	transport *mcp.StdIO
	mode      string
	logger    *slog.Logger
	tools     []mcp.Tool

	wg sync.WaitGroup
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

type slowArgs struct {
	DelayMS int    `json:"delay_ms" jsonschema:"description=How long to sleep before answering"`
	Text    string `json:"text,omitempty" jsonschema:"description=Text to answer with"`
}

type failArgs struct {
	Message string `json:"message,omitempty" jsonschema:"description=Failure message"`
}

type envArgs struct {
	Name string `json:"name" jsonschema:"description=Environment variable to read"`
}

type exitArgs struct {
	Code int `json:"code" jsonschema:"description=Exit code"`
}

type emptyArgs struct{}

// New creates a stub server reading requests from r and writing responses to w.
func New(r io.Reader, w io.Writer, mode string, logger *slog.Logger) *Server {
	return &Server{
		transport: mcp.NewStdIO(r, w, mcp.WithStdIOLogger(logger)),
		mode:      mode,
		logger:    logger,
		tools: []mcp.Tool{
			{Name: "echo", Description: "echoes input", InputSchema: reflectInputSchema[echoArgs]()},
			{Name: "slow", Description: "answers after a delay", InputSchema: reflectInputSchema[slowArgs]()},
			{Name: "hang", Description: "never answers", InputSchema: reflectInputSchema[emptyArgs]()},
			{Name: "fail", Description: "reports a tool failure", InputSchema: reflectInputSchema[failArgs]()},
			{Name: "env", Description: "reads an environment variable", InputSchema: reflectInputSchema[envArgs]()},
			{Name: "exit", Description: "exits the server", InputSchema: reflectInputSchema[exitArgs]()},
		},
	}
}

// Main runs the stub server on the process's stdin and stdout and returns the exit code.
func Main() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mode := os.Getenv(EnvMode)

	if mode == ModeStubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	srv := New(os.Stdin, os.Stdout, mode, logger)
	if err := srv.Serve(); err != nil {
		logger.Error("stub server failed", "err", err)
		return 1
	}

	if mode == ModeLinger || mode == ModeStubborn {
		logger.Info("stdin closed, lingering")
		// Sleep rather than block forever, which the runtime would report as a deadlock.
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}

// Serve handles requests until the input ends. Requests are handled concurrently.
func (s *Server) Serve() error {
	defer s.wg.Wait()

	for {
		frame, err := s.transport.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("stdin closed")
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		msg, err := mcp.DecodeMessage(frame)
		if err != nil {
			s.logger.Warn("received malformed message", "err", err)
			code, message := mcp.JSONRPCInvalidRequestCode, "Invalid Request"
			var malformed *mcp.MalformedMessageError
			if errors.As(err, &malformed) && malformed.Err != nil {
				code, message = mcp.JSONRPCParseErrorCode, "Parse error"
			}
			s.writeRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message) + "\n")
			continue
		}

		switch msg.Kind() {
		case mcp.MessageKindRequest:
			if msg.Method == "tools/call" && s.isHangCall(msg) {
				// Never answered, so not tracked by the wait group.
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleRequest(msg)
			}()
		case mcp.MessageKindNotification:
			s.handleNotification(msg)
		case mcp.MessageKindResponse:
			s.logger.Debug("ignoring response", "id", msg.ID)
		}
	}
}

func (s *Server) handleRequest(msg mcp.JSONRPCMessage) {
	switch msg.Method {
	case mcp.MethodInitialize:
		s.handleInitialize(msg)
	case mcp.MethodPing:
		s.writeResult(msg.ID, struct{}{})
	case mcp.MethodToolsList:
		s.handleToolsList(msg)
	case mcp.MethodToolsCall:
		s.handleToolsCall(msg)
	default:
		s.writeError(msg.ID, mcp.JSONRPCMethodNotFoundCode, "Method not found")
	}
}

func (s *Server) handleInitialize(msg mcp.JSONRPCMessage) {
	switch s.mode {
	case ModeRejectInitialize:
		s.writeError(msg.ID, mcp.JSONRPCInternalErrorCode, "Internal error: initialization rejected")
		return
	case ModeSilentInitialize:
		return
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.writeError(msg.ID, mcp.JSONRPCInvalidParamsCode, "Invalid params")
		return
	}

	version := params.ProtocolVersion
	if s.mode == ModeBadVersion {
		version = "1999-01-01"
	}

	s.writeResult(msg.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": mcp.ServerCapabilities{
			Tools:   &mcp.ToolsCapability{ListChanged: true},
			Logging: &mcp.LoggingCapability{},
		},
		"serverInfo": mcp.Info{Name: "stub-server", Version: "1.0.0"},
	})
}

func (s *Server) handleNotification(msg mcp.JSONRPCMessage) {
	if msg.Method != mcp.MethodNotificationsInitialized {
		return
	}

	switch s.mode {
	case ModeGarbage:
		s.writeRaw("this is not a message\n")
	case ModeListChanged:
		s.write(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  mcp.MethodNotificationsMessage,
			Params:  json.RawMessage(`{"level":"info","logger":"stub","data":"tools changed"}`),
		})
		s.write(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  mcp.MethodNotificationsToolsListChanged,
		})
	}
}

func (s *Server) handleToolsList(msg mcp.JSONRPCMessage) {
	switch s.mode {
	case ModeAllTools:
		s.writeResult(msg.ID, mcp.ListToolsResult{Tools: s.tools})
		return
	case ModePaged:
	default:
		s.writeResult(msg.ID, mcp.ListToolsResult{Tools: s.tools[:1]})
		return
	}

	var params mcp.ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.writeError(msg.ID, mcp.JSONRPCInvalidParamsCode, "Invalid params")
			return
		}
	}
	crs := params.Cursor
	if crs == "" {
		crs = "0"
	}
	page, err := strconv.Atoi(crs)
	if err != nil || page < 0 || page >= len(s.tools) {
		s.writeError(msg.ID, mcp.JSONRPCInvalidParamsCode, "Invalid cursor")
		return
	}

	next := ""
	if page+1 < len(s.tools) {
		next = strconv.Itoa(page + 1)
	}
	s.writeResult(msg.ID, mcp.ListToolsResult{Tools: s.tools[page : page+1], NextCursor: next})
}

func (s *Server) handleToolsCall(msg mcp.JSONRPCMessage) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.writeError(msg.ID, mcp.JSONRPCInvalidParamsCode, "Invalid params")
		return
	}

	switch params.Name {
	case "echo":
		var args echoArgs
		if !s.decodeArgs(msg.ID, params.Arguments, &args) {
			return
		}
		s.writeResult(msg.ID, textResult(args.Text, false))
	case "slow":
		var args slowArgs
		if !s.decodeArgs(msg.ID, params.Arguments, &args) {
			return
		}
		time.Sleep(time.Duration(args.DelayMS) * time.Millisecond)
		text := args.Text
		if text == "" {
			text = "done"
		}
		s.writeResult(msg.ID, textResult(text, false))
	case "fail":
		var args failArgs
		if !s.decodeArgs(msg.ID, params.Arguments, &args) {
			return
		}
		message := args.Message
		if message == "" {
			message = "Error: tool failed"
		}
		s.writeResult(msg.ID, textResult(message, true))
	case "env":
		var args envArgs
		if !s.decodeArgs(msg.ID, params.Arguments, &args) {
			return
		}
		s.writeResult(msg.ID, textResult(os.Getenv(args.Name), false))
	case "exit":
		var args exitArgs
		if !s.decodeArgs(msg.ID, params.Arguments, &args) {
			return
		}
		s.logger.Info("exiting on request", "code", args.Code)
		os.Exit(args.Code)
	default:
		s.writeError(msg.ID, mcp.JSONRPCMethodNotFoundCode, "Unknown tool: "+params.Name)
	}
}

func (s *Server) isHangCall(msg mcp.JSONRPCMessage) bool {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return false
	}
	return params.Name == "hang"
}

func (s *Server) decodeArgs(id mcp.MustString, raw json.RawMessage, args any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, args); err != nil {
		s.writeError(id, mcp.JSONRPCInvalidParamsCode, "Invalid arguments: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeResult(id mcp.MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", "err", err)
		s.writeError(id, mcp.JSONRPCInternalErrorCode, "Internal error: "+err.Error())
		return
	}
	s.write(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (s *Server) writeError(id mcp.MustString, code int, message string) {
	s.write(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Error:   &mcp.JSONRPCError{Code: code, Message: message},
	})
}

func (s *Server) write(msg mcp.JSONRPCMessage) {
	frame, err := mcp.EncodeMessage(msg)
	if err != nil {
		s.logger.Error("failed to encode message", "err", err)
		return
	}
	if err := s.transport.Write(context.Background(), frame); err != nil {
		s.logger.Error("failed to write message", "err", err)
	}
}

func (s *Server) writeRaw(line string) {
	if err := s.transport.Write(context.Background(), []byte(line)); err != nil {
		s.logger.Error("failed to write line", "err", err)
	}
}

func textResult(text string, isError bool) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
		IsError: isError,
	}
}

// reflectInputSchema reflects the argument struct A into the JSON schema advertised for a tool.
func reflectInputSchema[A any]() mcp.Value {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	schema := r.Reflect(new(A))
	schema.Version = ""

	val, err := mcp.ValueOf(schema)
	if err != nil {
		panic(fmt.Sprintf("stubserver: failed to convert schema: %v", err))
	}
	return val
}
