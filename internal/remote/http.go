package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	appErrors "github.com/sovsapp/enroll/pkg/errors"
)

// HTTPClient posts JSON bodies to one remote base URL and classifies failures
// into the remote error taxonomy. Attempt timeouts come from the caller's
// context, not from the embedded http.Client.
type HTTPClient struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// HTTPOption customises the HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHeader attaches a static header to every request (e.g. an API key).
func WithHeader(name, value string) HTTPOption {
	return func(c *HTTPClient) {
		c.headers[name] = value
	}
}

// WithTransport injects the underlying http.Client, primarily for testing.
func WithTransport(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// NewHTTPClient constructs a client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}

	client := &HTTPClient{
		baseURL: baseURL,
		headers: map[string]string{},
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PostJSON sends body to path and decodes a 2xx response into out. Non-2xx
// statuses become classified AppErrors carrying the remote error message;
// transport failures classify as transient network errors.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return appErrors.ErrTimeout.WithInternal(err)
		}
		return appErrors.ErrTransientNetwork.WithInternal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return appErrors.ErrTransientNetwork.WithInternal(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		message := envelope.Error
		if message == "" {
			message = envelope.Message
		}
		return appErrors.FromStatus(resp.StatusCode, message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return appErrors.ErrTransientNetwork.WithInternal(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
