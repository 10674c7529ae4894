package gateclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/tracing"
)

const (
	maxErrorBodyBytes = 1024
	maxBodyReadSize   = 1024 * 1024
)

// HTTPError represents a non-200 response from a gate server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Status returns the response status code.
func (e *HTTPError) Status() int {
	return e.StatusCode
}

// BlockResponse is the body of a successful /concurrency/block call.
type BlockResponse struct {
	Message           string
	Round             int
	SleptAfterRelease float64
	RequestID         string
	QueuedPosition    int
	CurrentlyWaiting  int
	Timestamp         float64
}

// ReleaseParams controls a /concurrency/release call.
type ReleaseParams struct {
	Rearm      bool
	RearmDelay time.Duration
}

// ReleaseResponse is the body of a /concurrency/release call.
type ReleaseResponse struct {
	Message string
	Round   int
	// ReleasedWaiting is nil when the server did not report a count.
	ReleasedWaiting *int
	GateRearmed     bool
	RearmDelay      float64
	Timestamp       float64
}

// Health is the body of /health.
type Health struct {
	Status    string
	Type      string
	Timestamp float64
	Endpoints []string
}

// SlowIOResponse is the body of /slow-io.
type SlowIOResponse struct {
	Message   string
	Delay     float64
	RequestID string
	Timestamp float64
}

// Client calls the endpoints of one gate server.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	tracing *tracing.Provider
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTracing records a client span per call and, when the provider asks for
// it, injects W3C trace headers.
func WithTracing(p *tracing.Provider) Option {
	return func(c *Client) { c.tracing = p }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(0),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Block waits at the server's gate and returns once released and after hold.
func (c *Client) Block(ctx context.Context, hold time.Duration, requestID string) (BlockResponse, error) {
	q := url.Values{}
	q.Set("delay", formatSeconds(hold))
	if requestID != "" {
		q.Set("request_id", requestID)
	}
	body, err := c.call(ctx, http.MethodGet, "/concurrency/block", q)
	if err != nil {
		return BlockResponse{}, err
	}
	return BlockResponse{
		Message:           gjson.GetBytes(body, "message").String(),
		Round:             int(gjson.GetBytes(body, "round").Int()),
		SleptAfterRelease: gjson.GetBytes(body, "slept_after_release").Float(),
		RequestID:         gjson.GetBytes(body, "request_id").String(),
		QueuedPosition:    int(gjson.GetBytes(body, "queued_position").Int()),
		CurrentlyWaiting:  int(gjson.GetBytes(body, "currently_waiting").Int()),
		Timestamp:         gjson.GetBytes(body, "timestamp").Float(),
	}, nil
}

// Release opens the server's gate.
func (c *Client) Release(ctx context.Context, p ReleaseParams) (ReleaseResponse, error) {
	q := url.Values{}
	q.Set("reset_gate", strconv.FormatBool(p.Rearm))
	if p.RearmDelay > 0 {
		q.Set("rearm_delay", formatSeconds(p.RearmDelay))
	}
	body, err := c.call(ctx, http.MethodPost, "/concurrency/release", q)
	if err != nil {
		return ReleaseResponse{}, err
	}
	resp := ReleaseResponse{
		Message:     gjson.GetBytes(body, "message").String(),
		Round:       int(gjson.GetBytes(body, "round").Int()),
		GateRearmed: gjson.GetBytes(body, "gate_rearmed").Bool(),
		RearmDelay:  gjson.GetBytes(body, "rearm_delay").Float(),
		Timestamp:   gjson.GetBytes(body, "timestamp").Float(),
	}
	if r := gjson.GetBytes(body, "released_waiting"); r.Exists() && r.Type == gjson.Number {
		n := int(r.Int())
		resp.ReleasedWaiting = &n
	}
	return resp, nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	body, err := c.call(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Status:    gjson.GetBytes(body, "status").String(),
		Type:      gjson.GetBytes(body, "type").String(),
		Timestamp: gjson.GetBytes(body, "timestamp").Float(),
	}
	for _, e := range gjson.GetBytes(body, "endpoints").Array() {
		h.Endpoints = append(h.Endpoints, e.String())
	}
	return h, nil
}

// Status fetches the current gate state.
func (c *Client) Status(ctx context.Context) (gate.State, error) {
	body, err := c.call(ctx, http.MethodGet, "/concurrency/status", nil)
	if err != nil {
		return gate.State{}, err
	}
	return parseState(body), nil
}

// SlowIO calls /slow-io with the given delay.
func (c *Client) SlowIO(ctx context.Context, delay time.Duration, requestID string) (SlowIOResponse, error) {
	q := url.Values{}
	q.Set("delay", formatSeconds(delay))
	if requestID != "" {
		q.Set("request_id", requestID)
	}
	body, err := c.call(ctx, http.MethodGet, "/slow-io", q)
	if err != nil {
		return SlowIOResponse{}, err
	}
	return SlowIOResponse{
		Message:   gjson.GetBytes(body, "message").String(),
		Delay:     gjson.GetBytes(body, "delay").Float(),
		RequestID: gjson.GetBytes(body, "request_id").String(),
		Timestamp: gjson.GetBytes(body, "timestamp").Float(),
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values) (body []byte, err error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	if c.tracing.Enabled() {
		spanCtx, s := tracing.StartRequestSpan(ctx, c.tracing.Tracer(), method, path)
		ctx = spanCtx
		defer func() {
			var attrs []attribute.KeyValue
			var he *HTTPError
			if errors.As(err, &he) {
				attrs = append(attrs, attribute.Int("http.response.status_code", he.StatusCode))
			}
			tracing.EndSpan(s, err, attrs...)
		}()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.tracing.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyReadSize))
	if resp.StatusCode != http.StatusOK {
		snippet := body
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if readErr != nil {
		return nil, fmt.Errorf("read %s response: %w", path, readErr)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s returned invalid JSON", path)
	}
	return body, nil
}

func parseState(body []byte) gate.State {
	return gate.State{
		Open:    gjson.GetBytes(body, "open").Bool(),
		Waiting: int(gjson.GetBytes(body, "waiting").Int()),
		Round:   int(gjson.GetBytes(body, "round").Int()),
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
