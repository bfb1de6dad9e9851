// Package transport builds and owns connections to backend MCP servers.
//
// A Descriptor says how to reach one server; the Factory turns a Descriptor
// into a live Transport. Callers never construct backend clients directly.
package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Kind selects the wire mechanism for a backend server.
type Kind string

const (
	// KindHTTP is a streamable-HTTP backend reached by URL.
	KindHTTP Kind = "http"
	// KindStdio is a subprocess backend spoken to over stdin/stdout.
	KindStdio Kind = "stdio"
)

// DefaultRequestTimeout bounds individual HTTP requests to a backend.
const DefaultRequestTimeout = 30 * time.Second

// Descriptor describes how to connect to one backend MCP server.
type Descriptor struct {
	ServerID string
	Kind     Kind

	// HTTP fields.
	Endpoint       string
	Headers        map[string]string
	RequestTimeout time.Duration

	// Stdio fields.
	Command string
	Args    []string
	Env     []string
	Cwd     string
}

// Validate reports whether the descriptor is usable by the factory.
func (d Descriptor) Validate() error {
	if d.ServerID == "" {
		return fmt.Errorf("descriptor missing server id")
	}
	switch d.Kind {
	case KindHTTP:
		if d.Endpoint == "" {
			return fmt.Errorf("server %s: http descriptor missing endpoint", d.ServerID)
		}
		u, err := url.Parse(d.Endpoint)
		if err != nil {
			return fmt.Errorf("server %s: invalid endpoint: %w", d.ServerID, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %s: endpoint scheme must be http or https, got %q", d.ServerID, u.Scheme)
		}
	case KindStdio:
		if d.Command == "" {
			return fmt.Errorf("server %s: stdio descriptor missing command", d.ServerID)
		}
	default:
		return fmt.Errorf("server %s: unknown transport kind %q", d.ServerID, d.Kind)
	}
	return nil
}

// normalizedOnce tracks endpoints whose rewrite has already been logged so the
// normalization notice appears once per distinct input, not once per session.
var normalizedOnce sync.Map

// NormalizeEndpoint canonicalizes a backend HTTP endpoint: trailing slashes
// are dropped and a bare host or root path gains the conventional /mcp path.
// The function is idempotent; normalizing an already-normalized endpoint
// returns it unchanged.
func NormalizeEndpoint(raw string, logger *slog.Logger) string {
	trimmed := strings.TrimRight(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		u.Path = "/mcp"
	}
	normalized := u.String()
	if normalized != raw {
		if _, seen := normalizedOnce.LoadOrStore(raw, struct{}{}); !seen && logger != nil {
			logger.Info("normalized backend endpoint",
				"endpoint", raw,
				"normalized", normalized,
			)
		}
	}
	return normalized
}
