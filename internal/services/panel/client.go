// Package panel talks to one CLIProxyPlus management panel and the Kiro usage API.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/config"
	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
)

const (
	authFilesPath    = "/v0/management/auth-files"
	downloadPath     = "/v0/management/auth-files/download"
	maxErrorBodySize = 512
	maxConcurrent    = 4
)

// Client queries a single panel.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
	usageURL   string
	panel      config.PanelConfig
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithUsageEndpoint overrides the Kiro usage endpoint. The template receives
// the region through a single %s verb.
func WithUsageEndpoint(tmpl string) Option {
	return func(cl *Client) { cl.usageURL = tmpl }
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New creates a client for p. Every request is bounded by p.Timeout.
func New(p config.PanelConfig, opts ...Option) *Client {
	c := &Client{
		panel:      p,
		httpClient: &http.Client{Timeout: p.Timeout},
		usageURL:   kiroEndpointTemplate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Panel returns the panel this client talks to.
func (c *Client) Panel() config.PanelConfig {
	return c.panel
}

type authFilesResponse struct {
	Files []models.AuthFile `json:"files"`
}

// ListAuthFiles returns every auth file registered on the panel.
func (c *Client) ListAuthFiles(ctx context.Context) ([]models.AuthFile, error) {
	var resp authFilesResponse
	if err := c.getJSON(ctx, c.panel.URL+authFilesPath, &resp); err != nil {
		return nil, err
	}
	if resp.Files == nil {
		return nil, &ProtocolError{Panel: c.panel.Name, Msg: "auth-files response has no 'files' list"}
	}
	return resp.Files, nil
}

// ListKiroFiles returns the enabled Kiro auth files.
func (c *Client) ListKiroFiles(ctx context.Context) ([]models.AuthFile, error) {
	files, err := c.ListAuthFiles(ctx)
	if err != nil {
		return nil, err
	}

	kiro := make([]models.AuthFile, 0, len(files))
	for _, f := range files {
		if !f.IsKiro() {
			continue
		}
		if f.IsDisabled() {
			logger.Debug("skipping disabled auth file", "panel", c.panel.Name, "file", f.Name)
			continue
		}
		kiro = append(kiro, f)
	}
	return kiro, nil
}

// DownloadAuthFile returns the decoded credential JSON of one auth file.
func (c *Client) DownloadAuthFile(ctx context.Context, name string) (map[string]any, error) {
	u := c.panel.URL + downloadPath + "?" + url.Values{"name": {name}}.Encode()

	var cred map[string]any
	if err := c.getJSON(ctx, u, &cred); err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &ProtocolError{Panel: c.panel.Name, Msg: fmt.Sprintf("auth file %s is empty", name)}
	}
	return cred, nil
}

// getJSON performs an authenticated management API GET and decodes the body into v.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &ProtocolError{Panel: c.panel.Name, Msg: "invalid request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.panel.Key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Panel: c.panel.Name, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Panel: c.panel.Name, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Panel: c.panel.Name, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return &ProtocolError{
			Panel:  c.panel.Name,
			Msg:    "unexpected response: " + truncate(body),
			Status: resp.StatusCode,
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		var syntaxErr *json.SyntaxError
		msg := "malformed response body"
		if errors.As(err, &syntaxErr) {
			msg = "response is not JSON"
		}
		return &ProtocolError{Panel: c.panel.Name, Msg: msg, Err: err}
	}
	return nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodySize {
		return string(body[:maxErrorBodySize]) + "..."
	}
	return string(body)
}
