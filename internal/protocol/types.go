package protocol

import "encoding/json"

// Tool describes one callable action exposed by an extension. InputSchema is
// a JSON-Schema-compatible object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsParams are the parameters of a tools/list request. Cursor is the
// pagination token from the previous page, empty for the first page.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Meta   Meta   `json:"_meta,omitempty"`
}

// ListToolsResult is one page of a tools/list response. A non-empty
// NextCursor means more pages follow.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the parameters of a tools/call request. Arguments is
// exactly what the model specified; per-call context travels in Meta.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      Meta            `json:"_meta,omitempty"`
}

// CallToolResult is a tools/call response.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one piece of tool result content.
type Content struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent wraps a string as a single-item text content list.
func TextContent(text string) []Content {
	return []Content{{Type: "text", Text: text}}
}

// TextResult builds a successful text result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: TextContent(text)}
}

// ErrorResult builds an is_error result carrying the given message.
func ErrorResult(text string) *CallToolResult {
	return &CallToolResult{Content: TextContent(text), IsError: true}
}

// Text flattens the result's text content items. Non-text items are skipped.
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, item := range r.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

// ServerInfo identifies an extension server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies the connecting runtime.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability describes tool-related server capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Capabilities holds the capability set advertised during initialize.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeParams are the parameters of an initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}
