// Package client is a typed Go client for the anchor HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/api"
	"github.com/chunkstar/agentanchor-app/pkg/credentials"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/identity"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Reason != "" {
		return fmt.Sprintf("anchor api %d: %s (%s)", e.Status, e.Problem.Detail, e.Problem.Reason)
	}
	return fmt.Sprintf("anchor api %d: %s", e.Status, e.Problem.Detail)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one anchor server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, header http.Header) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil || apiErr.Problem.Detail == "" {
			apiErr.Problem.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Evaluate calls POST /api/v1/council/evaluate. A non-empty idempotencyKey
// makes a retried call replay the first response.
func (c *Client) Evaluate(ctx context.Context, req api.EvaluateRequest, idempotencyKey string) (*api.EvaluateResponse, error) {
	var h http.Header
	if idempotencyKey != "" {
		h = http.Header{"Idempotency-Key": {idempotencyKey}}
	}
	var out api.EvaluateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/council/evaluate", req, &out, h); err != nil {
		return nil, err
	}
	return &out, nil
}

// Escalation calls GET /api/v1/escalations/{id}.
func (c *Client) Escalation(ctx context.Context, id string) (*escalation.Escalation, error) {
	var out escalation.Escalation
	if err := c.do(ctx, http.MethodGet, "/api/v1/escalations/"+url.PathEscape(id), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve calls POST /api/v1/escalations/{id}/resolve.
func (c *Client) Resolve(ctx context.Context, id string, in escalation.ResolveInput) (*escalation.Escalation, error) {
	var out escalation.Escalation
	if err := c.do(ctx, http.MethodPost, "/api/v1/escalations/"+url.PathEscape(id)+"/resolve", in, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueCredential calls POST /api/v1/credentials.
func (c *Client) IssueCredential(ctx context.Context, agentID, requesterID string) (*credentials.Credential, error) {
	var out credentials.Credential
	req := api.IssueCredentialRequest{AgentID: agentID, RequesterID: requesterID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/credentials", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyCredential calls POST /api/v1/credentials/verify. An invalid token
// is a result, not an error.
func (c *Client) VerifyCredential(ctx context.Context, token string) (*credentials.VerificationResult, error) {
	var out credentials.VerificationResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/credentials/verify", api.VerifyRequest{Token: token}, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCredential calls POST /api/v1/credentials/revoke.
func (c *Client) RevokeCredential(ctx context.Context, req credentials.RevokeRequest) (*credentials.RevocationRecord, error) {
	var out credentials.RevocationRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/credentials/revoke", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevocationStatus calls GET /api/v1/credentials/revocations/{jwtId}.
func (c *Client) RevocationStatus(ctx context.Context, jwtID string) (*credentials.RevocationStatus, error) {
	var out credentials.RevocationStatus
	path := "/api/v1/credentials/revocations/" + url.PathEscape(jwtID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// JWKS calls GET /.well-known/jwks.json.
func (c *Client) JWKS(ctx context.Context) (*identity.JWKSet, error) {
	var out identity.JWKSet
	if err := c.do(ctx, http.MethodGet, "/.well-known/jwks.json", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health. A degraded server returns an APIError with
// status 503.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
