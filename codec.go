package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeMessage serializes msg into a single wire frame: the compact JSON encoding of the message
// followed by a newline. The JSONRPC field is filled in when empty.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	// json.Marshal never emits raw newlines, so the terminator is unambiguous.
	return append(bs, '\n'), nil
}

// DecodeMessage parses one wire frame into a JSONRPCMessage. A trailing newline (and carriage
// return) is accepted. Unknown fields are ignored.
//
// The returned error is a *MalformedMessageError when the frame is not a JSON object, is not
// JSON-RPC 2.0, or does not have the shape of a request, a notification or a response.
func DecodeMessage(frame []byte) (JSONRPCMessage, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "empty frame"}
	}
	if trimmed[0] != '{' {
		return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "frame is not a JSON object"}
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "invalid JSON", Err: err}
	}

	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &MalformedMessageError{
			Frame:  frame,
			Reason: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC),
		}
	}

	hasResult := isPresent(msg.Result)
	hasError := msg.Error != nil

	if msg.Method != "" {
		if hasResult || hasError {
			return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "message has both method and result/error"}
		}
		return msg, nil
	}

	switch {
	case hasResult && hasError:
		return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "response has both result and error"}
	case !hasResult && !hasError:
		return JSONRPCMessage{}, &MalformedMessageError{Frame: frame, Reason: "message has neither method, result nor error"}
	}

	return msg, nil
}

// isPresent reports whether a raw field was set. A JSON null result is a valid, present result.
func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0
}
