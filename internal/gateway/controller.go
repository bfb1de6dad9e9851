package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelops/mcpgate/internal/gateway/breaker"
	"github.com/kestrelops/mcpgate/internal/gateway/credential"
	"github.com/kestrelops/mcpgate/internal/gateway/errs"
	"github.com/kestrelops/mcpgate/internal/gateway/transport"
)

// Caller identifies who is making a request through the gateway.
type Caller struct {
	// ClientID scopes sessions; two clients never share a backend session.
	ClientID string
	// UserID scopes credentials.
	UserID string
	// SubjectToken is the caller's own token, exchanged for backend
	// credentials when the server declares an audience.
	SubjectToken string
}

// CredentialSource is the slice of the credential coordinator the
// controller uses.
type CredentialSource interface {
	Get(ctx context.Context, userID, subjectToken, audience string) (credential.Credential, error)
	Evict(userID, audience string)
}

// AudienceResolver maps a server id to the credential audience it requires,
// or "" when the server needs no per-user credential.
type AudienceResolver func(serverID string) string

// Controller drives backend operations end to end: credential resolution,
// session acquisition, circuit breaking, and failure-class-specific retry.
type Controller struct {
	store    *Store
	creds    CredentialSource
	breakers *breaker.Registry
	audience AudienceResolver
	policy   RetryPolicy
	audit    *AuditLogger
	metrics  *Metrics
	logger   *slog.Logger

	// sleep is injectable so backoff tests run without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController wires the lifecycle pieces together.
func NewController(
	store *Store,
	creds CredentialSource,
	breakers *breaker.Registry,
	audience AudienceResolver,
	policy RetryPolicy,
	audit *AuditLogger,
	metrics *Metrics,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    store,
		creds:    creds,
		breakers: breakers,
		audience: audience,
		policy:   policy,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokeOption adjusts one invocation.
type InvokeOption func(*retryState)

// WithPartialOutputCheck wires a probe reporting whether response bytes have
// already reached the caller. Once true, no retry may replay the operation.
func WithPartialOutputCheck(f func() bool) InvokeOption {
	return func(rs *retryState) { rs.partialOutputSent = f }
}

// ListTools lists the backend's tools.
func (c *Controller) ListTools(ctx context.Context, caller Caller, serverID string, opts ...InvokeOption) (*mcp.ListToolsResult, error) {
	var out *mcp.ListToolsResult
	err := c.invoke(ctx, caller, serverID, "list_tools", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
		out = res
		return err
	}, opts...)
	return out, err
}

// CallTool invokes one tool on the backend.
func (c *Controller) CallTool(ctx context.Context, caller Caller, serverID, name string, args map[string]any, opts ...InvokeOption) (*mcp.CallToolResult, error) {
	var out *mcp.CallToolResult
	err := c.invoke(ctx, caller, serverID, "call_tool", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.CallTool(ctx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		out = res
		return err
	}, opts...)
	return out, err
}

// ListResources lists the backend's resources.
func (c *Controller) ListResources(ctx context.Context, caller Caller, serverID string, opts ...InvokeOption) (*mcp.ListResourcesResult, error) {
	var out *mcp.ListResourcesResult
	err := c.invoke(ctx, caller, serverID, "list_resources", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.ListResources(ctx, mcp.ListResourcesRequest{})
		out = res
		return err
	}, opts...)
	return out, err
}

// ReadResource reads one resource by URI.
func (c *Controller) ReadResource(ctx context.Context, caller Caller, serverID, uri string, opts ...InvokeOption) (*mcp.ReadResourceResult, error) {
	var out *mcp.ReadResourceResult
	err := c.invoke(ctx, caller, serverID, "read_resource", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.ReadResource(ctx, mcp.ReadResourceRequest{
			Params: mcp.ReadResourceParams{URI: uri},
		})
		out = res
		return err
	}, opts...)
	return out, err
}

// ListPrompts lists the backend's prompts.
func (c *Controller) ListPrompts(ctx context.Context, caller Caller, serverID string, opts ...InvokeOption) (*mcp.ListPromptsResult, error) {
	var out *mcp.ListPromptsResult
	err := c.invoke(ctx, caller, serverID, "list_prompts", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.ListPrompts(ctx, mcp.ListPromptsRequest{})
		out = res
		return err
	}, opts...)
	return out, err
}

// GetPrompt fetches one prompt with arguments.
func (c *Controller) GetPrompt(ctx context.Context, caller Caller, serverID, name string, args map[string]string, opts ...InvokeOption) (*mcp.GetPromptResult, error) {
	var out *mcp.GetPromptResult
	err := c.invoke(ctx, caller, serverID, "get_prompt", func(ctx context.Context, conn transport.Conn) error {
		res, err := conn.GetPrompt(ctx, mcp.GetPromptRequest{
			Params: mcp.GetPromptParams{Name: name, Arguments: args},
		})
		out = res
		return err
	}, opts...)
	return out, err
}

// Ping health-checks the caller's session to serverID.
func (c *Controller) Ping(ctx context.Context, caller Caller, serverID string, opts ...InvokeOption) error {
	return c.invoke(ctx, caller, serverID, "ping", func(ctx context.Context, conn transport.Conn) error {
		return conn.Ping(ctx)
	}, opts...)
}

// invoke runs one backend operation with the full recovery loop. Each
// failure class has its own bounded remedy: a rejected credential is evicted
// and re-minted once, a dead session is rebuilt once, transient network
// errors back off and retry up to the policy limit, and everything else
// propagates. All remedies are disabled once partial output has been sent.
func (c *Controller) invoke(ctx context.Context, caller Caller, serverID, operation string, fn func(context.Context, transport.Conn) error, opts ...InvokeOption) error {
	rs := &retryState{correlationID: uuid.NewString()}
	for _, opt := range opts {
		opt(rs)
	}

	key := Key{ClientID: caller.ClientID, ServerID: serverID}
	audienceID := c.audience(serverID)

	start := time.Now()
	err := c.attemptLoop(ctx, caller, key, audienceID, operation, rs, fn)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = string(errs.KindOf(err))
		}
		c.metrics.RequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Controller) attemptLoop(ctx context.Context, caller Caller, key Key, audienceID, operation string, rs *retryState, fn func(context.Context, transport.Conn) error) error {
	for {
		err := c.attempt(ctx, caller, key, audienceID, rs, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		kind := errs.KindOf(err)
		switch kind {
		case errs.KindAuth:
			if rs.authRetried {
				return err
			}
			if rs.outputSent() {
				return errs.RetryBlocked(key.ServerID, rs.correlationID)
			}
			rs.authRetried = true
			// The cached credential was rejected; only this (user, audience)
			// pair is dropped. The session dies with it since its transport
			// carries the stale token.
			if audienceID != "" {
				c.creds.Evict(caller.UserID, audienceID)
			}
			c.store.Invalidate(key, "auth")
			c.recordRetry(caller, key, operation, rs, "auth", err)

		case errs.KindSession:
			if rs.sessionRetried {
				return err
			}
			if rs.outputSent() {
				return errs.RetryBlocked(key.ServerID, rs.correlationID)
			}
			rs.sessionRetried = true
			// The backend lost the session but the credential is still good:
			// the rebuild reuses it from cache.
			c.store.Invalidate(key, "stale")
			c.recordRetry(caller, key, operation, rs, "session", err)

		case errs.KindNetwork:
			if rs.networkRetries >= c.policy.MaxNetworkAttempts-1 {
				return err
			}
			if rs.outputSent() {
				return errs.RetryBlocked(key.ServerID, rs.correlationID)
			}
			rs.networkRetries++
			c.store.Invalidate(key, "network")
			c.recordRetry(caller, key, operation, rs, "network", err)
			if serr := c.sleep(ctx, c.policy.Backoff(rs.networkRetries)); serr != nil {
				return err
			}

		default:
			// Circuit-open, handshake timeout, transport construction, and
			// unclassified errors all propagate; retrying them here would
			// either fight the breaker or mask a real bug.
			return err
		}
	}
}

// attempt performs one pass: credential, then session and operation under
// the server's circuit breaker so consecutive failures trip it.
func (c *Controller) attempt(ctx context.Context, caller Caller, key Key, audienceID string, rs *retryState, fn func(context.Context, transport.Conn) error) error {
	var bearer string
	if audienceID != "" {
		cred, err := c.creds.Get(ctx, caller.UserID, caller.SubjectToken, audienceID)
		if err != nil {
			return err
		}
		bearer = cred.Token
	}

	return c.breakers.Execute(key.ServerID, func() error {
		session, err := c.store.GetOrCreate(ctx, key, bearer)
		if err != nil {
			return err
		}
		if err := fn(ctx, session.Transport.Conn()); err != nil {
			return err
		}
		session.Touch(time.Now())
		return nil
	})
}

func (c *Controller) recordRetry(caller Caller, key Key, operation string, rs *retryState, category string, cause error) {
	rs.retries++
	retryID := fmt.Sprintf("%s-%d", category, rs.retries)
	if c.metrics != nil {
		c.metrics.RetryAttempts.WithLabelValues(category).Inc()
	}
	c.logger.Info("retrying backend operation",
		"correlation_id", rs.correlationID,
		"retry_id", retryID,
		"client_id", key.ClientID,
		"server_id", key.ServerID,
		"operation", operation,
		"category", category,
		"error", cause,
	)
	if c.audit != nil {
		c.audit.Record(AuditEntry{
			CorrelationID: rs.correlationID,
			RetryID:       retryID,
			ClientID:      key.ClientID,
			UserID:        caller.UserID,
			ServerID:      key.ServerID,
			Operation:     operation,
			Event:         "retry",
			Category:      category,
			ErrorMsg:      cause.Error(),
		})
	}
}
