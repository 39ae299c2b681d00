// Package rest reads authoritative snapshots from the platform's REST API
// and sends moderation mutations.
package rest

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

	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// CredentialSource supplies the bearer credential for each request. The
// session store implements it.
type CredentialSource interface {
	Credential() string
}

// Client makes REST calls against one base URL.
type Client struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "rest").Logger() }
}

// New creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
// creds may be nil for anonymous access.
func New(baseURL string, creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchSnapshot GETs a collection endpoint and decodes its records. The
// endpoint may answer {"data": [...]}, {"success", "count", "data"} or a
// bare array. It registers nothing and may be called any number of times.
func FetchSnapshot[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	raw, err := unwrapData(body)
	if err != nil {
		return nil, c.decodeError(http.MethodGet, path, err)
	}
	var out []T
	if len(raw) == 0 || string(raw) == "null" {
		return []T{}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, c.decodeError(http.MethodGet, path, err)
	}
	return out, nil
}

// Mutate sends a PUT or POST with a JSON body and decodes the updated
// record from the answer. It returns a nil record, and the server's message,
// when the answer carries only {"message"}.
func Mutate[T any](ctx context.Context, c *Client, method, path string, payload any) (*T, string, error) {
	body, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		return nil, "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, "", nil
	}

	var meta struct {
		Message string `json:"message"`
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		json.Unmarshal(body, &meta)
		if messageOnly(fields) {
			return nil, meta.Message, nil
		}
	}

	raw, err := unwrapData(body)
	if err != nil {
		return nil, "", c.decodeError(method, path, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, "", c.decodeError(method, path, err)
	}
	return &out, meta.Message, nil
}

// Put is Mutate with PUT.
func Put[T any](ctx context.Context, c *Client, path string, payload any) (*T, string, error) {
	return Mutate[T](ctx, c, http.MethodPut, path, payload)
}

// Post is Mutate with POST.
func Post[T any](ctx context.Context, c *Client, path string, payload any) (*T, string, error) {
	return Mutate[T](ctx, c, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, &FetchError{Method: method, Endpoint: path, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, &FetchError{Method: method, Endpoint: path, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &FetchError{
			Method:     method,
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data, resp.Status),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Method: method, Endpoint: path, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}
	return data, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.creds == nil {
		return
	}
	if token := c.creds.Credential(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) decodeError(method, path string, err error) error {
	return &FetchError{Method: method, Endpoint: path, Message: "decode response: " + err.Error(), Err: err}
}

// unwrapData returns the "data" member of an object body, or the body itself
// when it is not an object or has no such member.
func unwrapData(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, err
	}
	if data, ok := wrapper["data"]; ok {
		return data, nil
	}
	return trimmed, nil
}

func messageOnly(fields map[string]json.RawMessage) bool {
	if _, ok := fields["message"]; !ok {
		return false
	}
	for k := range fields {
		switch k {
		case "message", "success":
		default:
			return false
		}
	}
	return true
}

// errorMessage prefers {"message"} or {"error"} from an error body and falls
// back to the raw text, then to the status line.
func errorMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return status
}
