// Package agentapi is the HTTP side of the remote agent service: session history,
// the per-user session directory and session deletion.
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrMissingBaseURL = errors.New("agent api: base URL is not configured")

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Detail) != "" {
		return e.Detail
	}
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

type Client struct {
	baseURL string
	http    *resty.Client
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithHTTPClient swaps the underlying transport; tests use httptest clients.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = resty.NewWithClient(hc).SetBaseURL(c.baseURL)
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c := &Client{
		baseURL: baseURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionHistory fetches the event log of a session.
func (c *Client) SessionHistory(ctx context.Context, userID, sessionID string) (*HistoryResponse, error) {
	out := &HistoryResponse{}
	if err := c.do(ctx, http.MethodGet, "/session_history/{userId}/{sessionId}", map[string]string{
		"userId":    userID,
		"sessionId": sessionID,
	}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions fetches the session directory of a user, in server order.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	out := &SessionsResponse{}
	if err := c.do(ctx, http.MethodGet, "/sessions/{userId}", map[string]string{
		"userId": userID,
	}, out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) DeleteSession(ctx context.Context, userID, sessionID string) (string, error) {
	out := &DeleteResponse{}
	if err := c.do(ctx, http.MethodDelete, "/sessions/{userId}/{sessionId}", map[string]string{
		"userId":    userID,
		"sessionId": sessionID,
	}, out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrMissingBaseURL
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	logger := log.With().
		Str("component", "agentapi").
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Logger()

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		var body errorBody
		if err := json.Unmarshal(resp.Body(), &body); err == nil {
			apiErr.Detail = body.Detail
		}
		logger.Warn().Str("detail", apiErr.Detail).Msg("agent api request failed")
		return apiErr
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		logger.Warn().Err(err).Msg("agent api returned malformed body")
		return errors.Wrap(err, "decode response body")
	}
	logger.Debug().Int("bytes", len(resp.Body())).Msg("agent api request ok")
	return nil
}
