package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/session"
)

// DefaultURL is where the CLI looks for the server if it isn't told
// otherwise.
const DefaultURL = "http://localhost:8000"

// StatusError is a request that the server rejected.
type StatusError struct {
	StatusCode int
	Message    string
}

func (err StatusError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", err.StatusCode, err.Message)
}

// Client talks to a running server.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the server at url.
func NewClient(url string) *Client {
	return &Client{
		url:  strings.TrimSuffix(url, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Version returns the version of the server.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Session returns the session.
func (c *Client) Session(ctx context.Context, sessionID int64) (session.Session, error) {
	var sess session.Session
	err := c.get(ctx, fmt.Sprintf("/sessions/%d", sessionID), &sess)
	return sess, err
}

// Instances returns every instance of the session.
func (c *Client) Instances(ctx context.Context, sessionID int64) ([]registry.Instance, error) {
	var instances []registry.Instance
	err := c.get(ctx, fmt.Sprintf("/sessions/%d/rsyncers", sessionID), &instances)
	return instances, err
}

func (c *Client) get(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return errors.WithContext(err, "create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithContext(err, "connect to server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithContext(err, "read response")
	}

	if resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(body))
		}
		return StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errors.WithContext(err, "decode response")
	}
	return nil
}
