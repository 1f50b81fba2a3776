// Package client talks to a lix serve endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lix/internal/change"
	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/queue"
	"lix/internal/version"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
	}
}

// do sends a request and decodes a JSON response into out when out is not
// nil. Error responses come back as *errors.Error when the server sent one.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error   string           `json:"error"`
			Details *lixerrors.Error `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Details != nil {
			return e.Details
		}
		if e.Error != "" {
			return fmt.Errorf("unexpected status %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, want int, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), want, out)
}

func filePath(p string) string {
	return "/api/files/" + strings.TrimPrefix(p, "/")
}

// File operations

func (c *Client) Write(ctx context.Context, path string, data []byte) (*queue.Entry, error) {
	var entry queue.Entry
	err := c.do(ctx, http.MethodPut, filePath(path), bytes.NewReader(data), http.StatusAccepted, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) Delete(ctx context.Context, path string) (*queue.Entry, error) {
	var entry queue.Entry
	if err := c.do(ctx, http.MethodDelete, filePath(path), nil, http.StatusAccepted, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	if err := c.do(ctx, http.MethodGet, filePath(path), nil, http.StatusOK, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Settle waits for the server's queue to drain, for at most timeout.
func (c *Client) Settle(ctx context.Context, timeout time.Duration) error {
	q := url.Values{"timeout": {timeout.String()}}
	return c.do(ctx, http.MethodPost, "/api/settle?"+q.Encode(), nil, http.StatusOK, nil)
}

func (c *Client) Pending(ctx context.Context) ([]queue.Entry, error) {
	var entries []queue.Entry
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, http.StatusOK, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Version operations

func (c *Client) CreateVersion(ctx context.Context, name, parent string) (*version.Version, error) {
	var v version.Version
	req := map[string]string{"name": name, "parent": parent}
	if err := c.postJSON(ctx, "/api/versions", req, http.StatusCreated, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) SwitchVersion(ctx context.Context, ref string) (*version.Version, error) {
	var v version.Version
	path := "/api/versions/" + url.PathEscape(ref) + "/switch"
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// MergeVersion merges source into target; an empty target means the
// server's current version.
func (c *Client) MergeVersion(ctx context.Context, source, target string) (*version.MergeResult, error) {
	var res version.MergeResult
	path := "/api/versions/" + url.PathEscape(source) + "/merge"
	if err := c.postJSON(ctx, path, map[string]string{"target": target}, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Versions(ctx context.Context) ([]version.Version, error) {
	var versions []version.Version
	if err := c.do(ctx, http.MethodGet, "/api/versions", nil, http.StatusOK, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (c *Client) CurrentVersion(ctx context.Context) (*version.Version, error) {
	var v version.Version
	if err := c.do(ctx, http.MethodGet, "/api/versions/current", nil, http.StatusOK, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Change and conflict operations

func (c *Client) History(ctx context.Context, changeID string) ([]*change.Change, error) {
	var changes []*change.Change
	path := "/api/changes/" + url.PathEscape(changeID) + "/history"
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (c *Client) Conflicts(ctx context.Context) ([]conflict.Conflict, error) {
	var conflicts []conflict.Conflict
	if err := c.do(ctx, http.MethodGet, "/api/conflicts", nil, http.StatusOK, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (c *Client) ResolveConflict(ctx context.Context, a, b, with string) (*conflict.Conflict, error) {
	var res conflict.Conflict
	req := map[string]string{
		"change_id":             a,
		"conflicting_change_id": b,
		"resolved_change_id":    with,
	}
	if err := c.postJSON(ctx, "/api/conflicts/resolve", req, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
