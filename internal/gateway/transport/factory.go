package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
)

// forwardedByHeader marks outgoing backend requests as gateway-originated.
const forwardedByHeader = "X-Forwarded-By"

// headerRoundTripper injects per-server headers and the caller's bearer
// credential into every outgoing backend request.
type headerRoundTripper struct {
	base    http.RoundTripper
	bearer  string
	headers map[string]string
	gateway string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if h.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearer)
	}
	req.Header.Set(forwardedByHeader, h.gateway)
	return h.base.RoundTrip(req)
}

// stdioCommandFunc builds the subprocess for a stdio backend in the
// configured working directory. Environment merging matches the library's
// default spawn path.
func stdioCommandFunc(cwd string) mcptransport.CommandFunc {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Dir = cwd
		return cmd, nil
	}
}

// Factory opens backend transports from descriptors.
type Factory struct {
	logger      *slog.Logger
	gatewayName string
}

// NewFactory creates a factory. gatewayName is stamped into the
// X-Forwarded-By header of HTTP backends.
func NewFactory(gatewayName string, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if gatewayName == "" {
		gatewayName = "mcpgate"
	}
	return &Factory{logger: logger, gatewayName: gatewayName}
}

// Open builds, starts, and wraps a backend connection for desc. bearerToken
// may be empty for backends that need no credential. The returned transport
// is connected but not yet initialized; the session layer performs the
// handshake.
func (f *Factory) Open(desc Descriptor, bearerToken string) (*Transport, error) {
	if err := desc.Validate(); err != nil {
		return nil, errs.Transport(desc.ServerID, err)
	}

	var (
		c   *mcpclient.Client
		err error
	)
	switch desc.Kind {
	case KindHTTP:
		endpoint := NormalizeEndpoint(desc.Endpoint, f.logger)
		timeout := desc.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient := &http.Client{
			Transport: &headerRoundTripper{
				base:    http.DefaultTransport,
				bearer:  bearerToken,
				headers: desc.Headers,
				gateway: f.gatewayName,
			},
			Timeout: timeout,
		}
		c, err = mcpclient.NewStreamableHttpClient(
			endpoint,
			mcptransport.WithHTTPTimeout(timeout),
			mcptransport.WithHTTPBasicClient(httpClient),
		)
	case KindStdio:
		var stdioOpts []mcptransport.StdioOption
		if desc.Cwd != "" {
			stdioOpts = append(stdioOpts, mcptransport.WithCommandFunc(stdioCommandFunc(desc.Cwd)))
		}
		c, err = mcpclient.NewStdioMCPClientWithOptions(desc.Command, desc.Env, desc.Args, stdioOpts...)
	default:
		err = fmt.Errorf("unknown transport kind %q", desc.Kind)
	}
	if err != nil {
		return nil, errs.Transport(desc.ServerID, fmt.Errorf("create %s client: %w", desc.Kind, err))
	}

	// Start with a background context so the transport's read loop lives
	// until Close, not until the caller's handshake deadline fires.
	if err := c.Start(context.Background()); err != nil {
		_ = c.Close()
		return nil, errs.Transport(desc.ServerID, fmt.Errorf("start %s client: %w", desc.Kind, err))
	}

	opts := []Option{}
	if desc.Kind == KindHTTP {
		if sh, ok := c.GetTransport().(*mcptransport.StreamableHTTP); ok {
			opts = append(opts, WithSessionIDFunc(sh.GetSessionId))
		}
	}

	f.logger.Debug("opened backend transport",
		"server_id", desc.ServerID,
		"kind", desc.Kind,
	)
	return NewTransport(c, desc, opts...), nil
}
