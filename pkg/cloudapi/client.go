package cloudapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
)

// apiVersion is sent with every request.
const apiVersion = "~8"

// Param is an ordered key/value request parameter. Order is preserved on
// the wire: GET parameters are appended to the URL in the order given,
// POST parameters are concatenated into the request body.
type Param struct {
	Key   string
	Value string
}

// Client issues signed requests to the cloud control-plane API.
//
// The client itself never retries: an empty or failed response is
// ambiguous (the instance may or may not exist) and only callers with
// enough context can reconcile that via tag lookup.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	metrics    *telemetry.Metrics
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api returned %d: %s", e.StatusCode, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics attaches a metrics collector to the client.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the control plane at baseURL,
// authenticating every request with the given signer.
func NewClient(baseURL string, signer *Signer, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		signer: signer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call issues one signed request and returns the raw response body, or ""
// when the server sent no content. The timestamp and signature are
// recomputed on every call; the provider rejects stale timestamps.
func (c *Client) Call(ctx context.Context, method, path string, params []Param) (string, error) {
	requestURL := c.baseURL + path

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded := encodeParams(params); encoded != "" {
			requestURL += "?" + encoded
		}
	default:
		body = strings.NewReader(encodeParams(params))
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	// RFC-1123 GMT, the format the provider signs against.
	timestamp := time.Now().UTC().Format(http.TimeFormat)
	authorization, err := c.signer.AuthorizationHeader(timestamp)
	if err != nil {
		return "", err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Version", apiVersion)
	req.Header.Set("Date", timestamp)
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	timer := telemetry.NewTimer()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordAPIError(method, path)
		}
		log.Debug().Str("method", method).Str("path", path).Err(err).Msg("cloud api call failed")
		return "", fmt.Errorf("cloud api call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordAPICall(method, path, timer.Duration())
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("body_len", len(respBody)).
		Msg("cloud api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.metrics != nil {
			c.metrics.RecordAPIError(method, path)
		}
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return string(respBody), nil
}

// encodeParams serializes ordered parameters, preserving their order.
func encodeParams(params []Param) string {
	if len(params) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.Value))
	}
	return sb.String()
}
