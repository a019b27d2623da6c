package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client talks to a running daemon over the control socket. The CLI
// commands are its only consumer.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the daemon behind socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// Ping reports whether a daemon is listening.
func (c *Client) Ping(ctx context.Context) bool {
	var resp StatusResponse
	return c.get(ctx, "/v1/status", &resp) == nil
}

// Status fetches the full status snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.get(ctx, "/v1/status", &resp)
	return resp, err
}

// Start asks the daemon to start the selected services.
func (c *Client) Start(ctx context.Context, sel Selector) (ControlResponse, error) {
	var resp ControlResponse
	err := c.post(ctx, "/v1/start", sel, &resp)
	return resp, err
}

// Stop asks the daemon to stop the selected services.
func (c *Client) Stop(ctx context.Context, sel Selector) (ControlResponse, error) {
	var resp ControlResponse
	err := c.post(ctx, "/v1/stop", sel, &resp)
	return resp, err
}

// Reload asks the daemon to reload its configuration and reconcile.
func (c *Client) Reload(ctx context.Context) (ReloadResponse, error) {
	var resp ReloadResponse
	err := c.post(ctx, "/v1/reload", struct{}{}, &resp)
	return resp, err
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/v1/shutdown", struct{}{}, &map[string]string{})
}

// Orphans lists leftover forwards from previous configurations.
func (c *Client) Orphans(ctx context.Context) (OrphansResponse, error) {
	var resp OrphansResponse
	err := c.get(ctx, "/v1/orphans", &resp)
	return resp, err
}

// CleanupOrphans terminates the selected orphans (all when empty).
func (c *Client) CleanupOrphans(ctx context.Context, serviceIDs []string) (ControlResponse, error) {
	var resp ControlResponse
	err := c.post(ctx, "/v1/orphans/cleanup", CleanupRequest{ServiceIDs: serviceIDs}, &resp)
	return resp, err
}

// Logs returns the log file location for a service.
func (c *Client) Logs(ctx context.Context, service string) (LogsResponse, error) {
	var resp LogsResponse
	err := c.get(ctx, "/v1/logs/"+service, &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localport"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://localport"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
