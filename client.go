package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the call surface applications use to talk to a tool server: it initializes the
// connection, discovers the server's tools and invokes them by name.
//
// A Client is created either with Connect, which spawns the server process and performs the
// handshake, or with NewClient over an existing Transport followed by Initialize. It must be
// closed with Close, which also terminates a spawned server. A Client is safe for concurrent
// use; concurrent calls are demultiplexed by correlation ID.
//
// Tool failures reported by the server (ToolNotFoundError, ToolInvocationError) leave the
// Client usable. Connection failures close it for good; every later call returns
// ErrConnectionClosed.
type Client struct {
	info     Info
	session  *Session
	process  *ServerProcess
	registry *ToolRegistry

	toolListWatcher ToolListWatcher
	logReceiver     LogReceiver
	logger          *slog.Logger

	writeTimeout      time.Duration
	readTimeout       time.Duration
	initializeTimeout time.Duration
	gracePeriod       time.Duration
	serverStderr      io.Writer
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientLogger sets the logger for the client, its session and its server process.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for its response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientInitializeTimeout sets how long the handshake may take.
func WithClientInitializeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.initializeTimeout = timeout
	}
}

// WithClientGracePeriod sets how long Close waits for a spawned server to exit at each step of
// its shutdown. It has no effect on clients created with NewClient.
func WithClientGracePeriod(d time.Duration) ClientOption {
	return func(c *Client) {
		c.gracePeriod = d
	}
}

// WithClientServerStderr copies a spawned server's standard error to w.
func WithClientServerStderr(w io.Writer) ClientOption {
	return func(c *Client) {
		c.serverStderr = w
	}
}

// Connect spawns the server described by command, with config added to its environment, and
// performs the handshake. info identifies the client to the server.
//
// The returned error is a *SpawnError when the server cannot be started and a *HandshakeError
// when the handshake fails. On any error nothing is left running.
func Connect(
	ctx context.Context,
	info Info,
	command ServerCommand,
	config ConnectionConfig,
	options ...ClientOption,
) (*Client, error) {
	c := newClient(info, options)

	processOptions := []ProcessOption{WithProcessLogger(c.logger)}
	if c.gracePeriod > 0 {
		processOptions = append(processOptions, WithGracePeriod(c.gracePeriod))
	}
	if c.serverStderr != nil {
		processOptions = append(processOptions, WithServerStderr(c.serverStderr))
	}

	proc, err := Spawn(command, config, processOptions...)
	if err != nil {
		return nil, err
	}
	c.process = proc
	c.session = c.newSession(proc)

	if err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// NewClient creates a client over an already established transport, such as a StdIO bound to
// the streams of a server started elsewhere. The client owns the transport from now on.
//
// The client will not be usable until Initialize is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := newClient(info, options)
	c.session = c.newSession(transport)
	return c
}

func newClient(info Info, options []ClientOption) *Client {
	c := &Client{
		info:     info,
		registry: newToolRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Client) newSession(transport Transport) *Session {
	sessionOptions := []SessionOption{
		WithSessionLogger(c.logger),
		WithToolsListChangedHandler(c.onToolListChanged),
	}
	if c.logReceiver != nil {
		sessionOptions = append(sessionOptions, WithSessionLogReceiver(c.logReceiver))
	}
	// Zero values fall back to the session defaults.
	sessionOptions = append(sessionOptions,
		WithSessionWriteTimeout(c.writeTimeout),
		WithRequestTimeout(c.readTimeout),
		WithInitializeTimeout(c.initializeTimeout),
	)
	return NewSession(transport, c.info, sessionOptions...)
}

// Initialize performs the handshake. Clients created with Connect are already initialized.
func (c *Client) Initialize(ctx context.Context) error {
	return c.session.Initialize(ctx)
}

// ListTools retrieves every tool the server offers, following pagination cursors, in the order
// the server lists them. Duplicates are kept. On success the client's ToolRegistry is replaced
// with the result.
//
// The returned error is a *ProtocolError when a response does not carry a list of named tool
// descriptors, or when the server repeats a pagination cursor.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	gen := c.registry.generationNow()
	tools := make([]Tool, 0)
	seen := make(map[string]bool)

	var cursor string
	for {
		var raw json.RawMessage
		if err := c.session.Call(ctx, MethodToolsList, ListToolsParams{Cursor: cursor}, &raw); err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}

		page, err := parseToolsPage(raw)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			break
		}
		if seen[page.NextCursor] {
			return nil, &ProtocolError{
				Method: MethodToolsList,
				Reason: fmt.Sprintf("pagination cursor %q repeated", page.NextCursor),
			}
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}

	c.registry.replace(tools, gen)
	c.logger.Debug("discovered tools", slog.Int("count", len(tools)))

	return tools, nil
}

// CallTool invokes the tool named name with arguments, passed to the server as is; nil
// arguments are sent as an empty object. No validation against the tool's input schema is done.
//
// The returned error is a *ToolNotFoundError when the server reports the tool as unknown, a
// *ToolInvocationError for any other failure the server reports, a *ProtocolError when the
// result is not a tool result object, and ErrConnectionClosed when the client is not
// initialized or the connection is gone.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]Value) (CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]Value{}
	}

	var raw json.RawMessage
	err := c.session.Call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: arguments}, &raw)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			return CallToolResult{}, toolCallError(name, rpcErr)
		}
		return CallToolResult{}, err
	}

	result, err := parseCallToolResult(raw)
	if err != nil {
		return CallToolResult{}, err
	}

	if result.IsError {
		text := result.Text()
		if isUnknownToolMessage(text) {
			return CallToolResult{}, &ToolNotFoundError{Name: name, Message: text}
		}
		return CallToolResult{}, &ToolInvocationError{Name: name, Message: text, Result: &result}
	}

	return result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.session.Call(ctx, MethodPing, nil, nil); err != nil {
		return fmt.Errorf("failed to ping server: %w", err)
	}
	return nil
}

// Tools returns the client's view of the server's tools, as of the last ListTools.
func (c *Client) Tools() *ToolRegistry {
	return c.registry
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.session.ServerInfo()
}

// State returns the state of the client's session.
func (c *Client) State() SessionState {
	return c.session.State()
}

// Session returns the client's session.
func (c *Client) Session() *Session {
	return c.session
}

// Process returns the spawned server process, or nil when the client was created with
// NewClient.
func (c *Client) Process() *ServerProcess {
	return c.process
}

// Close closes the session and terminates a spawned server. Calls in flight fail with
// ErrConnectionClosed. It is safe to call Close more than once.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) onToolListChanged() {
	c.registry.markStale()
	if c.toolListWatcher != nil {
		c.toolListWatcher.OnToolListChanged()
	}
}

func parseCallToolResult(raw json.RawMessage) (CallToolResult, error) {
	var payload Value
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CallToolResult{}, &ProtocolError{Method: MethodToolsCall, Reason: "result is not JSON", Err: err}
	}
	if payload.Kind() != ValueKindObject {
		return CallToolResult{}, &ProtocolError{
			Method: MethodToolsCall,
			Reason: fmt.Sprintf("result is %s, not an object", payload.Kind()),
		}
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, &ProtocolError{Method: MethodToolsCall, Reason: "failed to decode result", Err: err}
	}
	return result, nil
}

func parseToolsPage(raw json.RawMessage) (ListToolsResult, error) {
	var payload Value
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ListToolsResult{}, &ProtocolError{Method: MethodToolsList, Reason: "result is not JSON", Err: err}
	}
	if payload.Kind() != ValueKindObject {
		return ListToolsResult{}, &ProtocolError{
			Method: MethodToolsList,
			Reason: fmt.Sprintf("result is %s, not an object", payload.Kind()),
		}
	}

	toolsVal, ok := payload.Field("tools")
	if !ok || toolsVal.Kind() != ValueKindArray {
		return ListToolsResult{}, &ProtocolError{Method: MethodToolsList, Reason: "result has no tools array"}
	}
	descriptors, _ := toolsVal.AsArray()
	for i, d := range descriptors {
		if d.Kind() != ValueKindObject {
			return ListToolsResult{}, &ProtocolError{
				Method: MethodToolsList,
				Reason: fmt.Sprintf("tool %d is %s, not an object", i, d.Kind()),
			}
		}
		nameVal, _ := d.Field("name")
		if name, ok := nameVal.AsString(); !ok || name == "" {
			return ListToolsResult{}, &ProtocolError{
				Method: MethodToolsList,
				Reason: fmt.Sprintf("tool %d has no name", i),
			}
		}
	}

	var page ListToolsResult
	if err := json.Unmarshal(raw, &page); err != nil {
		return ListToolsResult{}, &ProtocolError{Method: MethodToolsList, Reason: "invalid tool descriptor", Err: err}
	}
	return page, nil
}

func toolCallError(name string, rpcErr *JSONRPCError) error {
	if rpcErr.Code == JSONRPCMethodNotFoundCode || isUnknownToolMessage(rpcErr.Message) {
		return &ToolNotFoundError{Name: name, Message: rpcErr.Message}
	}
	return &ToolInvocationError{Name: name, Code: rpcErr.Code, Message: rpcErr.Message}
}

func isUnknownToolMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "unknown tool") ||
		strings.Contains(msg, "tool not found") ||
		strings.Contains(msg, "no such tool")
}
