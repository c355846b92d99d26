package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling. A JSON null decodes to the empty MustString, which marks an absent ID.
type MustString string

// MessageKind classifies a JSONRPCMessage by the fields it carries.
type MessageKind int

// MessageKind represents the JSON-RPC message variants.
const (
	MessageKindRequest MessageKind = iota
	MessageKindResponse
	MessageKindNotification
)

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents client capabilities. This client announces none of the optional
// client features (roots, sampling), so the zero value is what is sent.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Tool describes a callable tool as advertised by the server.
// InputSchema describes the expected shape of the arguments for CallTool; the client does not
// validate arguments against it.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema Value  `json:"inputSchema"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a page of tools returned by the tools/list method.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs, passed to the server as is.
	Arguments map[string]Value `json:"arguments"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the server reported the invocation as failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations represents the annotations for a message. The client can use annotations
// to inform how objects are used or displayed.
type Annotations struct {
	Audience []Role `json:"audience,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// LogParams represents the parameters of a notifications/message notification.
type LogParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP protocol revision this client requests during initialize.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the method name for liveness checks, valid in both directions.
	MethodPing = "ping"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodNotificationsInitialized is sent by the client once the handshake succeeded.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsToolsListChanged is sent by servers whose tool list changed.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsMessage carries server log messages.
	MethodNotificationsMessage = "notifications/message"

	// JSONRPCParseErrorCode is returned when invalid JSON was received.
	JSONRPCParseErrorCode = -32700
	// JSONRPCInvalidRequestCode is returned when the message is not a valid request.
	JSONRPCInvalidRequestCode = -32600
	// JSONRPCMethodNotFoundCode is returned when the method (or tool) does not exist.
	JSONRPCMethodNotFoundCode = -32601
	// JSONRPCInvalidParamsCode is returned for invalid method parameters.
	JSONRPCInvalidParamsCode = -32602
	// JSONRPCInternalErrorCode is returned for internal server errors.
	JSONRPCInternalErrorCode = -32603

	methodNotificationsProgress  = "notifications/progress"
	methodNotificationsCancelled = "notifications/cancelled"

	errMsgMethodNotFound = "Method not found"
)

// supportedProtocolVersions lists the revisions whose tool subset is wire compatible with this client.
var supportedProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// Text returns the text of every text content item, joined by newlines.
func (r CallToolResult) Text() string {
	var texts []string
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Kind classifies the message: a message with a method is a request when it carries an ID and a
// notification otherwise; a message without a method is a response.
func (m JSONRPCMessage) Kind() MessageKind {
	if m.Method == "" {
		return MessageKindResponse
	}
	if m.ID == "" {
		return MessageKindNotification
	}
	return MessageKindRequest
}

func (k MessageKind) String() string {
	switch k {
	case MessageKindRequest:
		return "request"
	case MessageKindResponse:
		return "response"
	case MessageKindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling string, numeric and null input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %s", j.Code, j.Message, j.Data)
}
