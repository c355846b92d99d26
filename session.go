package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

// SessionState represents the states a Session moves through. A Session only moves forward:
// Unconnected, Handshaking, Ready, Closed. Closed is terminal.
const (
	StateUnconnected SessionState = iota
	StateHandshaking
	StateReady
	StateClosed
)

// SessionOption is a function that configures a session.
type SessionOption func(*Session)

// Session owns one connection to a server: it performs the initialize handshake, assigns
// correlation IDs to outgoing requests and routes each incoming response to the caller waiting
// for its ID, regardless of the order in which responses arrive.
//
// A single reader goroutine, started by Initialize, consumes the transport. Writes from
// concurrent callers are serialized by the transport. Any transport failure or malformed frame
// closes the Session; from then on every pending and future call fails with ErrConnectionClosed
// wrapping the cause.
//
// A Session is not reusable after Close. Create a new one to reconnect.
type Session struct {
	id        string
	info      Info
	transport Transport
	logger    *slog.Logger

	writeTimeout      time.Duration
	requestTimeout    time.Duration
	initializeTimeout time.Duration

	toolsListChanged func()
	logReceiver      LogReceiver

	mu                 sync.Mutex
	state              SessionState
	cause              error
	pending            map[MustString]chan JSONRPCMessage
	protocolVersion    string
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	defaultSessionWriteTimeout      = 30 * time.Second
	defaultSessionRequestTimeout    = 30 * time.Second
	defaultSessionInitializeTimeout = 30 * time.Second
)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionWriteTimeout sets the write timeout for the session.
func WithSessionWriteTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.writeTimeout = timeout
	}
}

// WithRequestTimeout sets how long Await waits for a response before giving up on it.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithInitializeTimeout sets how long Initialize waits for the handshake to complete.
func WithInitializeTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.initializeTimeout = timeout
	}
}

// WithToolsListChangedHandler sets the function called when the server announces that its tool
// list changed. It is called from the reader goroutine and must not block.
func WithToolsListChangedHandler(handler func()) SessionOption {
	return func(s *Session) {
		s.toolsListChanged = handler
	}
}

// WithSessionLogReceiver sets the receiver of the server's log messages. Server log messages are
// also written to the session logger.
func WithSessionLogReceiver(receiver LogReceiver) SessionOption {
	return func(s *Session) {
		s.logReceiver = receiver
	}
}

// NewSession creates a Session over transport in the Unconnected state. info identifies the
// client to the server during the handshake. The Session takes ownership of transport and
// closes it on teardown.
func NewSession(transport Transport, info Info, options ...SessionOption) *Session {
	s := &Session{
		id:        uuid.New().String(),
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		state:     StateUnconnected,
		pending:   make(map[MustString]chan JSONRPCMessage),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.writeTimeout == 0 {
		s.writeTimeout = defaultSessionWriteTimeout
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultSessionRequestTimeout
	}
	if s.initializeTimeout == 0 {
		s.initializeTimeout = defaultSessionInitializeTimeout
	}

	s.logger = s.logger.With(slog.String("session", s.id))

	return s
}

// ID returns the unique identifier of the session, used to tell sessions apart in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Err returns the failure that closed the session, or nil while it is open or when it was
// closed by Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cause
}

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ServerInfo returns the server's info, as reported during the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverInfo
}

// ServerCapabilities returns the server's capabilities, as reported during the handshake.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverCapabilities
}

// ProtocolVersion returns the protocol version negotiated during the handshake.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.protocolVersion
}

// Instructions returns the usage instructions the server sent during the handshake, if any.
func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.instructions
}

// Initialize performs the handshake: it starts the reader goroutine, sends the initialize
// request announcing the client, waits for the matching response, checks the protocol version
// and confirms with the initialized notification. On success the session is Ready.
//
// Any failure, including an error response, the server closing its output or the initialize
// timeout elapsing, is returned as a *HandshakeError; the session is then Closed and the
// transport, and with it the server process, is shut down.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUnconnected:
		s.state = StateHandshaking
	case StateClosed:
		s.mu.Unlock()
		return s.closedErr()
	default:
		s.mu.Unlock()
		return errors.New("session already initialized")
	}
	s.mu.Unlock()

	go s.readMessages()

	ctx, cancel := context.WithTimeout(ctx, s.initializeTimeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.info,
	}
	msgID, err := s.send(ctx, MethodInitialize, params)
	if err != nil {
		return s.failHandshake("failed to send initialize request", err)
	}

	// Bounded by the initialize timeout alone, not the request timeout.
	msg, err := s.await(ctx, msgID, 0)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return s.failHandshake("connection closed before initialize response", err)
		}
		return s.failHandshake("no initialize response", err)
	}
	if msg.Error != nil {
		return s.failHandshake("server rejected initialize", msg.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return s.failHandshake("invalid initialize result", err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		return s.failHandshake(fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion), nil)
	}

	if err := s.notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return s.failHandshake("failed to send initialized notification", err)
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		return s.failHandshake("session closed during handshake", s.closedErr())
	}
	s.state = StateReady
	s.protocolVersion = result.ProtocolVersion
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.instructions = result.Instructions
	s.mu.Unlock()

	s.logger.Info("session initialized",
		slog.String("server", result.ServerInfo.Name),
		slog.String("serverVersion", result.ServerInfo.Version),
		slog.String("protocolVersion", result.ProtocolVersion))

	return nil
}

// Send writes a request for method with params and returns its correlation ID, to be passed to
// Await. The ID is registered before the request is written, so a response can never arrive
// for an unknown ID. Send is only valid when the session is Ready; otherwise it returns
// ErrConnectionClosed.
func (s *Session) Send(ctx context.Context, method string, params any) (MustString, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	return s.send(ctx, method, params)
}

// Await blocks until the response for id arrives, the session closes, the request timeout
// elapses or ctx ends. Each ID can be awaited once.
//
// When the wait is abandoned the ID is forgotten: the server is not told, and its response, if
// it ever arrives, is discarded.
func (s *Session) Await(ctx context.Context, id MustString) (JSONRPCMessage, error) {
	return s.await(ctx, id, s.requestTimeout)
}

// await waits for the response to id. A zero timeout leaves ctx as the only bound.
func (s *Session) await(ctx context.Context, id MustString, timeout time.Duration) (JSONRPCMessage, error) {
	s.mu.Lock()
	results, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		select {
		case <-s.done:
			return JSONRPCMessage{}, s.closedErr()
		default:
		}
		return JSONRPCMessage{}, fmt.Errorf("no outstanding request with id %q", id)
	}
	defer s.forget(id)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case msg := <-results:
		return msg, nil
	case <-s.done:
		// A response delivered just before teardown still wins.
		select {
		case msg := <-results:
			return msg, nil
		default:
		}
		return JSONRPCMessage{}, s.closedErr()
	case <-ctx.Done():
		s.logger.Debug("abandoned request", slog.String("id", string(id)), slog.String("err", ctx.Err().Error()))
		return JSONRPCMessage{}, fmt.Errorf("request %s: no response: %w", id, ctx.Err())
	}
}

// Call sends a request and waits for its response. An error response is returned as a
// *JSONRPCError. When result is not nil the success payload is decoded into it.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	msgID, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}

	res, err := s.Await(ctx, msgID)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return &ProtocolError{Method: method, Reason: "failed to decode result", Err: err}
	}
	return nil
}

// Notify writes a notification, which the server does not answer. It is only valid when the
// session is Ready.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.notify(ctx, method, params)
}

// Close closes the session and its transport. Every caller blocked in Await is released with
// ErrConnectionClosed. Close may be called in any state, more than once and concurrently with
// in-flight calls.
func (s *Session) Close() error {
	return s.teardown(nil)
}

func (s *Session) send(ctx context.Context, method string, params any) (MustString, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	frame, err := EncodeMessage(msg)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", s.closedErr()
	}
	s.pending[msg.ID] = make(chan JSONRPCMessage, 1)
	s.mu.Unlock()

	if err := s.write(ctx, frame); err != nil {
		s.forget(msg.ID)
		return "", fmt.Errorf("failed to send %s request: %w", method, err)
	}

	return msg.ID, nil
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return s.writeMessage(ctx, msg)
}

func (s *Session) writeMessage(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

// write sends one frame. A failure other than the caller's context ending leaves the stream in
// an unknown state, so it closes the session.
func (s *Session) write(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	wCtx, wCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer wCancel()

	err := s.transport.Write(wCtx, frame)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	select {
	case <-s.done:
		// Closed underneath the write; report the reason the session closed.
		return s.closedErr()
	default:
	}

	s.logger.Error("failed to write message, closing session", "err", err)
	_ = s.teardown(err)
	return s.closedErr()
}

func (s *Session) forget(id MustString) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
}

func (s *Session) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
		return nil
	case StateClosed:
		return closedError(s.cause)
	default:
		return fmt.Errorf("%w: session is %s", ErrConnectionClosed, s.state)
	}
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return closedError(s.cause)
}

func (s *Session) failHandshake(reason string, err error) error {
	hsErr := &HandshakeError{Reason: reason, Err: err}
	s.logger.Error("handshake failed", "err", hsErr)
	_ = s.teardown(hsErr)
	return hsErr
}

// teardown moves the session to Closed exactly once. cause is nil for an explicit Close.
// Waiters are released before the transport is closed, since closing a server process may
// take up to its grace periods.
func (s *Session) teardown(cause error) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.cause = cause
		s.pending = make(map[MustString]chan JSONRPCMessage)
		s.mu.Unlock()

		close(s.done)

		if err := s.transport.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close transport: %w", err)
		}
		if cause != nil {
			s.logger.Warn("session closed", "err", cause)
		} else {
			s.logger.Debug("session closed")
		}
	})
	return s.closeErr
}

func (s *Session) readMessages() {
	for {
		frame, err := s.transport.Read()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = &TransportError{Op: "read", Err: io.EOF}
			}
			_ = s.teardown(err)
			return
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			s.logger.Error("received malformed message, closing session", "err", err)
			_ = s.teardown(err)
			return
		}

		switch msg.Kind() {
		case MessageKindResponse:
			s.handleResponse(msg)
		case MessageKindRequest:
			go s.handleRequest(msg)
		case MessageKindNotification:
			s.handleNotification(msg)
		}
	}
}

func (s *Session) handleResponse(msg JSONRPCMessage) {
	if msg.ID == "" {
		if msg.Error != nil {
			s.logger.Warn("received error response without id",
				slog.Int("code", msg.Error.Code), slog.String("message", msg.Error.Message))
			return
		}
		s.logger.Warn("received response without id")
		return
	}

	s.mu.Lock()
	results, ok := s.pending[msg.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("discarding response for unknown or abandoned request", slog.String("id", string(msg.ID)))
		return
	}

	select {
	case results <- msg:
	default:
		s.logger.Warn("discarding duplicate response", slog.String("id", string(msg.ID)))
	}
}

func (s *Session) handleRequest(msg JSONRPCMessage) {
	res := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	switch msg.Method {
	case MethodPing:
		res.Result = json.RawMessage("{}")
	default:
		s.logger.Debug("rejecting unsupported server request", slog.String("method", msg.Method))
		res.Error = &JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: errMsgMethodNotFound,
		}
	}

	if err := s.writeMessage(context.Background(), res); err != nil {
		s.logger.Error("failed to answer server request", slog.String("method", msg.Method), "err", err)
	}
}

func (s *Session) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsToolsListChanged:
		if s.toolsListChanged != nil {
			s.toolsListChanged()
		}
	case MethodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		s.logger.Log(context.Background(), serverLogLevel(params.Level), "server log",
			slog.String("logger", params.Logger), slog.String("data", string(params.Data)))
		if s.logReceiver != nil {
			s.logReceiver.OnLog(params)
		}
	case methodNotificationsProgress, methodNotificationsCancelled:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	default:
		s.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
	}
}

// serverLogLevel maps the syslog-style levels servers use to slog levels.
func serverLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
