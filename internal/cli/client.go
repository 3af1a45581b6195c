package cli

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

	rh "github.com/hashicorp/go-retryablehttp"

	"device-control/internal/firmware"
	"device-control/internal/models"
)

// Client calls the device control API.
type Client struct {
	base string
	http *rh.Client
}

// APIError is a non-2xx reply from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient targets the API at base. Reads are retried up to retries times;
// build triggers are sent once.
func NewClient(base string, timeout time.Duration, retries int) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", base)
	}
	c := rh.NewClient()
	c.HTTPClient.Timeout = timeout
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	c.ErrorHandler = rh.PassthroughErrorHandler
	return &Client{base: strings.TrimRight(u.String(), "/"), http: c}, nil
}

// Trigger starts a firmware build and returns its job id.
func (c *Client) Trigger(ctx context.Context, wakeKeyword string) (models.JobID, error) {
	body, err := json.Marshal(models.BuildRequest{WakeKeyword: wakeKeyword})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/asr", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger build: %w", err)
	}

	var out struct {
		ID *models.JobID `json:"id"`
	}
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	if out.ID == nil || *out.ID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "no job id returned"}
	}
	return *out.ID, nil
}

// Status returns the raw upstream status of id.
func (c *Client) Status(ctx context.Context, id models.JobID) (models.JobStatus, error) {
	var status models.JobStatus
	q := url.Values{"prj_name": {string(id)}}
	err := c.get(ctx, "/api/v1/asr/status?"+q.Encode(), &status)
	return status, err
}

// Describe returns the local record of id merged with its upstream status.
func (c *Client) Describe(ctx context.Context, id models.JobID) (firmware.JobView, error) {
	var view firmware.JobView
	err := c.get(ctx, "/api/v1/asr/jobs/"+url.PathEscape(string(id)), &view)
	return view, err
}

// Abort stops the poller of a pending job.
func (c *Client) Abort(ctx context.Context, id models.JobID) error {
	req, err := rh.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/api/v1/asr/jobs/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("abort %s: %w", id, err)
	}
	return decode(resp, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := rh.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
