package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labsync/labsync/internal/platform/cache"
	"github.com/labsync/labsync/internal/platform/errs"
)

// Client fetches entities from the peer service's REST API. It is the remote
// side of the directory caches; the breaker wrapping happens in the cache.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient overrides the default client (tests, custom transports).
func (c *Client) SetHTTPClient(hc *http.Client) { c.client = hc }

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Connection("get %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusOK:
		return json.Unmarshal(body, out)
	case resp.StatusCode == http.StatusNotFound:
		return errs.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.ErrUnauthorized
	case resp.StatusCode >= 500:
		return errs.Connection("peer returned %d for %s", resp.StatusCode, path)
	default:
		return errs.Protocol("peer returned %d for %s: %s", resp.StatusCode, path, body)
	}
}

// PatientFetcher adapts the client to the patient cache.
func (c *Client) PatientFetcher() cache.Fetcher[Patient] {
	return func(ctx context.Context, key string) (Patient, error) {
		var p Patient
		err := c.get(ctx, fmt.Sprintf("/api/patients/%s", key), &p)
		return p, err
	}
}

// DoctorFetcher adapts the client to the doctor cache.
func (c *Client) DoctorFetcher() cache.Fetcher[Doctor] {
	return func(ctx context.Context, key string) (Doctor, error) {
		var d Doctor
		err := c.get(ctx, fmt.Sprintf("/api/doctors/%s", key), &d)
		return d, err
	}
}
