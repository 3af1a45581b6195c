package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Gateway is the remote firmware build service.
type Gateway interface {
	Create(ctx context.Context, req models.BuildRequest) (models.JobID, error)
	Status(ctx context.Context, id models.JobID) (models.JobStatus, error)
	Download(ctx context.Context, id models.JobID) ([]byte, error)
}

// GatewayOptions tunes the HTTP gateway client.
type GatewayOptions struct {
	Timeout  time.Duration
	RetryMax int
	MaxBytes int64
	Logger   logrus.FieldLogger
}

// HTTPGateway talks to the build service over its JSON/HTTP API.
type HTTPGateway struct {
	base     string
	client   *rh.Client
	maxBytes int64
}

// NewHTTPGateway builds a gateway client for baseURL. RetryMax of zero means
// each call is issued exactly once.
func NewHTTPGateway(baseURL string, opts GatewayOptions) (*HTTPGateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be absolute", baseURL)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024 * 1024
	}

	client := rh.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = opts.RetryMax
	client.Logger = newLeveledLogger(opts.Logger)
	client.ErrorHandler = rh.PassthroughErrorHandler

	return &HTTPGateway{
		base:     strings.TrimRight(u.String(), "/"),
		client:   client,
		maxBytes: maxBytes,
	}, nil
}

type createResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type statusResponse struct {
	Data struct {
		Status *int `json:"status"`
	} `json:"data"`
}

// Create asks the gateway to start a build and returns its job id.
func (g *HTTPGateway) Create(ctx context.Context, req models.BuildRequest) (models.JobID, error) {
	const op = "create"
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal build request: %w", err)
	}
	resp, err := g.do(ctx, op, http.MethodPost, g.base+"/api/v1/asr", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", g.fail(op, 0, fmt.Errorf("decode response: %w", err))
	}
	if out.Data.ID == "" {
		return "", g.fail(op, 0, errors.New("response carried no job id"))
	}
	return models.JobID(out.Data.ID), nil
}

// Status fetches the current build status of id.
func (g *HTTPGateway) Status(ctx context.Context, id models.JobID) (models.JobStatus, error) {
	const op = "status"
	resp, err := g.do(ctx, op, http.MethodGet, g.jobURL("/api/v1/firmware/status", id), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, g.fail(op, 0, fmt.Errorf("decode response: %w", err))
	}
	if out.Data.Status == nil {
		return 0, g.fail(op, 0, errors.New("response carried no status"))
	}
	return models.JobStatus(*out.Data.Status), nil
}

// Download fetches the built firmware binary for id.
func (g *HTTPGateway) Download(ctx context.Context, id models.JobID) ([]byte, error) {
	const op = "download"
	resp, err := g.do(ctx, op, http.MethodGet, g.jobURL("/api/v1/firmware/download", id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, g.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, g.fail(op, 0, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > g.maxBytes {
		return nil, g.fail(op, 0, fmt.Errorf("firmware too large (>%d bytes)", g.maxBytes))
	}
	return data, nil
}

func (g *HTTPGateway) jobURL(path string, id models.JobID) string {
	return g.base + path + "?" + url.Values{"prj_name": {string(id)}}.Encode()
}

// do issues one request and returns the response only when it is 2xx.
func (g *HTTPGateway) do(ctx context.Context, op, method, target string, body []byte) (*http.Response, error) {
	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := rh.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.fail(op, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, g.fail(op, resp.StatusCode, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func (g *HTTPGateway) fail(op string, code int, err error) error {
	telemetry.GatewayErrors.WithLabelValues(op).Inc()
	return &TransportError{Op: op, StatusCode: code, Err: err}
}
