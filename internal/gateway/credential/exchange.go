package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
)

const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// ExchangeService implements Service against an OAuth token-exchange
// endpoint (RFC 8693): the caller's token is swapped for one scoped to the
// backend audience.
type ExchangeService struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewExchangeService creates a token-exchange client. httpClient may be nil,
// in which case a client with a 10s timeout is used.
func NewExchangeService(tokenURL, clientID, clientSecret string, httpClient *http.Client) *ExchangeService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExchangeService{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Exchange performs the token exchange for audience.
func (s *ExchangeService) Exchange(ctx context.Context, subjectToken, audience string) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("audience", audience)
	form.Set("client_id", s.clientID)
	if s.clientSecret != "" {
		form.Set("client_secret", s.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("build token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Credential{}, errs.Network(audience, fmt.Errorf("token exchange: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, errs.Network(audience, fmt.Errorf("read token response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, errs.AuthFailure(audience,
			fmt.Errorf("token exchange rejected with status %d: %s", resp.StatusCode, truncate(body, 256)))
	case resp.StatusCode != http.StatusOK:
		return Credential{}, fmt.Errorf("token exchange returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return Credential{}, fmt.Errorf("token exchange returned empty access_token")
	}

	cred := Credential{Token: tok.AccessToken, Audience: audience}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return cred, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// StaticService serves fixed tokens from configuration, for backends that
// use a shared bearer credential instead of per-user exchange.
type StaticService struct {
	tokens map[string]string
}

// NewStaticService creates a service that resolves audience to a fixed token.
func NewStaticService(tokens map[string]string) *StaticService {
	return &StaticService{tokens: tokens}
}

// Exchange returns the configured token for audience. The subject token is
// ignored; static credentials are not user-scoped.
func (s *StaticService) Exchange(_ context.Context, _ string, audience string) (Credential, error) {
	tok, ok := s.tokens[audience]
	if !ok {
		return Credential{}, errs.AuthFailure(audience, fmt.Errorf("no static credential configured for %s", audience))
	}
	return Credential{Token: tok, Audience: audience}, nil
}
