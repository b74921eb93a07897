package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/tuberig/internal/db"
	"github.com/banshee-data/tuberig/internal/httputil"
)

// Client reads the status API of a running rig.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the API at baseURL, e.g. "http://rig:8080".
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: c}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := httputil.DecodeJSON(resp, v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.get(ctx, "/api/status", nil, &st)
	return st, err
}

// RecentTrials fetches up to limit trials, newest first.
func (c *Client) RecentTrials(ctx context.Context, limit int) ([]db.TrialSummary, error) {
	var trials []db.TrialSummary
	err := c.get(ctx, "/api/trials", url.Values{"limit": {fmt.Sprint(limit)}}, &trials)
	return trials, err
}

// SessionTrials fetches the trials of one session.
func (c *Client) SessionTrials(ctx context.Context, sessionID string) ([]db.TrialSummary, error) {
	var trials []db.TrialSummary
	err := c.get(ctx, "/api/trials", url.Values{"session": {sessionID}}, &trials)
	return trials, err
}
