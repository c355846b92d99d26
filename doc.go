// Package mcp implements a client for the tool subset of the Model Context Protocol (MCP)
// carried over the standard input/output streams of a child process. This implementation
// follows the stdio transport described at https://spec.modelcontextprotocol.io/specification/.
//
// A client spawns the server executable, performs the initialize handshake, discovers the
// tools the server exposes and invokes them by name with structured arguments:
//
//	cli, err := mcp.Connect(ctx, mcp.Info{Name: "my-client", Version: "1.0"},
//		mcp.ServerCommand{Path: "/usr/local/bin/my-server"},
//		mcp.NewConnectionConfig(map[string]string{"API_KEY": key}))
//	if err != nil {
//		return err
//	}
//	defer cli.Close()
//
//	tools, err := cli.ListTools(ctx)
//	...
//	res, err := cli.CallTool(ctx, "echo", map[string]mcp.Value{"text": mcp.StringValue("hello")})
//
// Messages are newline-delimited JSON-RPC 2.0 objects. A single goroutine reads the server's
// output and routes each response to the caller waiting for its request ID, so requests may be
// issued concurrently and answered in any order.
package mcp
