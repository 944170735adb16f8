package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/events"
	"github.com/cuemby/fleetsync/pkg/fleet"
	"github.com/cuemby/fleetsync/pkg/types"
)

const (
	defaultRetryMax     = 4
	defaultRetryWaitMin = 200 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
)

// APIError is returned for every non-2xx response from the admin API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fleetsync api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the admin API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// PlannedRequest is a provision promise returned by the API
type PlannedRequest struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client talks to the fleetsync admin API, retrying transient failures
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option configures a Client
type Option func(*Client)

// WithRetryMax sets the number of retries after the first attempt
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithRetryWait bounds the backoff between attempts
func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

// WithLogger logs retries through logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.http.Logger = leveledLogger{logger: logger} }
}

// NewClient creates a client for the API at addr ("host:port" or a URL)
func NewClient(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = defaultRetryWaitMin
	rc.RetryWaitMax = defaultRetryWaitMax
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fleets returns the status of every fleet
func (c *Client) Fleets(ctx context.Context) ([]fleet.Status, error) {
	var out []fleet.Status
	err := c.do(ctx, http.MethodGet, "/v1/fleets", nil, &out)
	return out, err
}

// Fleet returns the status of one fleet
func (c *Client) Fleet(ctx context.Context, fleetID string) (fleet.Status, error) {
	var out fleet.Status
	err := c.do(ctx, http.MethodGet, fleetPath(fleetID, ""), nil, &out)
	return out, err
}

// Reconcile runs one synchronization pass for a fleet
func (c *Client) Reconcile(ctx context.Context, fleetID string) (fleet.Status, error) {
	var out fleet.Status
	err := c.do(ctx, http.MethodPost, fleetPath(fleetID, "/reconcile"), nil, &out)
	return out, err
}

// Provision asks a fleet for up to demand more workers with label
func (c *Client) Provision(ctx context.Context, fleetID, label string, demand int) ([]PlannedRequest, error) {
	var out struct {
		Requests []PlannedRequest `json:"requests"`
	}
	body := map[string]interface{}{"label": label, "demand": demand}
	err := c.do(ctx, http.MethodPost, fleetPath(fleetID, "/provision"), body, &out)
	return out.Requests, err
}

// Terminate terminates one instance of a fleet. It may return true together
// with an error when the instance was terminated but its worker node was not
// removed.
func (c *Client) Terminate(ctx context.Context, fleetID string, id types.InstanceID) (bool, error) {
	var out struct {
		Terminated bool   `json:"terminated"`
		Error      string `json:"error"`
	}
	path := fleetPath(fleetID, "/instances/"+url.PathEscape(string(id))+"/terminate")
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, err
	}
	if out.Error != "" {
		return out.Terminated, errors.New(out.Error)
	}
	return out.Terminated, nil
}

// Pause shrinks a fleet to one offline instance
func (c *Client) Pause(ctx context.Context, fleetID string) (fleet.Status, error) {
	var out fleet.Status
	err := c.do(ctx, http.MethodPost, fleetPath(fleetID, "/pause"), nil, &out)
	return out, err
}

// Unpause lets a fleet grow again
func (c *Client) Unpause(ctx context.Context, fleetID string) (fleet.Status, error) {
	var out fleet.Status
	err := c.do(ctx, http.MethodPost, fleetPath(fleetID, "/unpause"), nil, &out)
	return out, err
}

// SetDemand records the number of workers wanted from one fleet for label
// and returns that fleet's demand
func (c *Client) SetDemand(ctx context.Context, fleetID, label string, count int) (map[string]int, error) {
	var out map[string]int
	body := map[string]interface{}{"label": label, "count": count}
	err := c.do(ctx, http.MethodPut, fleetPath(fleetID, "/demand"), body, &out)
	return out, err
}

// FleetDemand returns the demand of one fleet per label
func (c *Client) FleetDemand(ctx context.Context, fleetID string) (map[string]int, error) {
	var out map[string]int
	err := c.do(ctx, http.MethodGet, fleetPath(fleetID, "/demand"), nil, &out)
	return out, err
}

// Demand returns the recorded demand per fleet and label
func (c *Client) Demand(ctx context.Context) (map[string]map[string]int, error) {
	var out map[string]map[string]int
	err := c.do(ctx, http.MethodGet, "/v1/demand", nil, &out)
	return out, err
}

// Nodes lists registered worker nodes, optionally of one fleet
func (c *Client) Nodes(ctx context.Context, fleetID string) ([]*types.WorkerNode, error) {
	path := "/v1/nodes"
	if fleetID != "" {
		path += "?fleet=" + url.QueryEscape(fleetID)
	}
	var out []*types.WorkerNode
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ReportActivity tells fleetsync whether a worker is busy
func (c *Client) ReportActivity(ctx context.Context, id types.InstanceID, busy bool) error {
	body := map[string]bool{"busy": busy}
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(string(id))+"/activity", body, nil)
}

// RemoveNode deletes a worker node from the registry
func (c *Client) RemoveNode(ctx context.Context, id types.InstanceID) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+url.PathEscape(string(id)), nil, nil)
}

// StreamEvents calls fn for every event until ctx is done, the server closes
// the stream or fn returns an error
func (c *Client) StreamEvents(ctx context.Context, fleetID string, fn func(*events.Event) error) error {
	path := "/v1/events"
	if fleetID != "" {
		path += "?fleet=" + url.QueryEscape(fleetID)
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var event events.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs a request and turns non-2xx responses into APIErrors
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func fleetPath(fleetID, suffix string) string {
	return "/v1/fleets/" + url.PathEscape(fleetID) + suffix
}

// leveledLogger adapts zerolog to retryablehttp's logger interface
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
