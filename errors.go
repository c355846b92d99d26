package mcp

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by every operation attempted on a session that is not Ready:
// before the handshake, after Close, or after the connection failed. When the session failed,
// the returned error wraps the cause as well, so both errors.Is(err, ErrConnectionClosed) and
// errors.As on the cause succeed.
var ErrConnectionClosed = errors.New("connection closed")

// SpawnError is returned when the server executable cannot be located or started.
type SpawnError struct {
	Path string
	Err  error
}

// TransportError reports an I/O failure on an established connection.
type TransportError struct {
	// Op is the failed operation, "read" or "write".
	Op  string
	Err error
}

// MalformedMessageError is returned by DecodeMessage for frames that cannot be parsed into a
// JSON-RPC message. A session receiving such a frame is torn down, since the stream can no
// longer be trusted to be synchronized.
type MalformedMessageError struct {
	Frame  []byte
	Reason string
	Err    error
}

// HandshakeError is returned when the initialize exchange is rejected, times out, or the
// connection ends before it completes.
type HandshakeError struct {
	Reason string
	Err    error
}

// ToolNotFoundError is returned by CallTool when the server reports that no tool has the
// requested name.
type ToolNotFoundError struct {
	Name    string
	Message string
}

// ToolInvocationError is returned by CallTool for any other failure reported by the server.
// Message carries the server's text verbatim. When the server reported the failure as a result
// with isError set, Result holds that result and Code is zero.
type ToolInvocationError struct {
	Name    string
	Code    int
	Message string
	Result  *CallToolResult
}

// ProtocolError is returned when a response does not have the shape the method requires.
type ProtocolError struct {
	Method string
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn server %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return "handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *ToolNotFoundError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %q not found", e.Name)
	}
	return fmt.Sprintf("tool %q not found: %s", e.Name, e.Message)
}

func (e *ToolInvocationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %q failed with code %d: %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %q failed: %s", e.Name, e.Message)
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s response: %s: %v", e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s response: %s", e.Method, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// closedError wraps cause with ErrConnectionClosed. A nil cause yields ErrConnectionClosed itself.
func closedError(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionClosed
	case errors.Is(cause, ErrConnectionClosed):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
}
