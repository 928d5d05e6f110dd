// Package clashapi talks to the engine's local management HTTP endpoint.
package clashapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VersionInfo is the engine's answer to GET /version.
type VersionInfo struct {
	Version string `json:"version"`
	Premium bool   `json:"premium"`
}

// StatusError reports a non-2xx answer from the control API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("clashapi: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("clashapi: %s: HTTP %d", e.Op, e.StatusCode)
}

// Client issues requests against the control API. The underlying
// *http.Client is built on first use unless one was supplied.
type Client struct {
	baseURL string

	once       sync.Once
	httpClient *http.Client
}

// NewClient creates a client for the control API listening on addr
// ("127.0.0.1:9090" or a full http:// URL). httpClient may be nil.
func NewClient(addr string, httpClient *http.Client) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, httpClient: httpClient}
}

func (c *Client) client() *http.Client {
	c.once.Do(func() {
		if c.httpClient == nil {
			c.httpClient = &http.Client{Timeout: 10 * time.Second}
		}
	})
	return c.httpClient
}

// ReloadConfig asks the engine to reload its configuration from path.
func (c *Client) ReloadConfig(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("encode reload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/configs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: "reload config", StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetVersion queries the engine version.
func (c *Client) GetVersion(ctx context.Context) (VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("get version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return VersionInfo{}, &StatusError{Op: "get version", StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return VersionInfo{}, fmt.Errorf("decode version: %w", err)
	}
	return info, nil
}

// readSnippet returns the start of an error body for diagnostics.
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
