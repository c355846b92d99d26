package mcp

import "context"

// Transport carries newline-delimited frames between the client and a server. StdIO and
// ServerProcess implement it.
type Transport interface {
	// Write sends one frame, which must already carry its terminating newline. Implementations
	// must be safe for concurrent use and must never interleave frames.
	Write(ctx context.Context, frame []byte) error

	// Read blocks until a complete frame is available and returns it without the newline. It is
	// called from a single goroutine. When the peer closes its output Read returns io.EOF
	// exactly once.
	Read() ([]byte, error)

	// Close releases the transport. It must be idempotent and must unblock a pending Read.
	Close() error
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
// Implementations can use these notifications to refresh their view of the tools, by calling ListTools.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	// The client's ToolRegistry is already marked stale at that point. It must not block.
	OnToolListChanged()
}

// LogReceiver provides an interface for receiving log messages from the server.
// Implementations can use these notifications to display logs in a UI, write them to a file,
// or forward them to a logging service.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server. It must not block.
	OnLog(params LogParams)
}
