package transport

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Conn is the subset of the backend MCP client the gateway drives. The
// production implementation is *client.Client from mark3labs/mcp-go; tests
// substitute fakes.
type Conn interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// Transport owns one live backend connection. Close is idempotent: session
// teardown and sweep can race on the same transport without double-closing
// the underlying client.
type Transport struct {
	conn Conn
	desc Descriptor

	sessionID func() string

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithSessionIDFunc wires a getter for the backend-assigned session ID.
// Streamable-HTTP backends assign one during the handshake; stdio backends
// have none.
func WithSessionIDFunc(f func() string) Option {
	return func(t *Transport) { t.sessionID = f }
}

// NewTransport wraps a connection. conn must already be started.
func NewTransport(conn Conn, desc Descriptor, opts ...Option) *Transport {
	t := &Transport{conn: conn, desc: desc}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Conn exposes the underlying client for issuing operations.
func (t *Transport) Conn() Conn { return t.conn }

// Descriptor returns the descriptor this transport was opened from.
func (t *Transport) Descriptor() Descriptor { return t.desc }

// BackendSessionID returns the server-assigned session identifier, or ""
// when the transport does not carry one.
func (t *Transport) BackendSessionID() string {
	if t.sessionID == nil {
		return ""
	}
	return t.sessionID()
}

// Close tears down the connection. Safe to call more than once; every call
// returns the error from the first.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
