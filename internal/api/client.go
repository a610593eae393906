package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/v1link/internal/httputil"
	"github.com/banshee-data/v1link/internal/state"
)

// StatusError is a non-2xx answer from a v1link service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("v1link: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client drives a running v1link service over its HTTP API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the service at baseURL, e.g.
// "http://localhost:8080". A nil hc selects http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) call(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// State returns the published detector state.
func (c *Client) State(ctx context.Context) (state.V1Data, error) {
	var d state.V1Data
	err := c.call(ctx, http.MethodGet, "/api/state", &d)
	return d, err
}

// Session describes the service's current connection.
func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	err := c.call(ctx, http.MethodGet, "/api/session", &info)
	return info, err
}

// RequestVersion asks the connected detector for its firmware version.
func (c *Client) RequestVersion(ctx context.Context) (string, error) {
	var v struct {
		Firmware string `json:"firmware"`
	}
	err := c.call(ctx, http.MethodGet, "/api/version", &v)
	return v.Firmware, err
}

func (c *Client) StartAlertData(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/alerts/start", nil)
}

func (c *Client) StopAlertData(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/alerts/stop", nil)
}

// Reconnect drops the service's current connection and rescans.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/reconnect", nil)
}
