package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnsupportedMethod is returned for any method outside GET/POST.
// It signals a programming error at the call site and is never retried.
var ErrUnsupportedMethod = errors.New("gateway: unsupported HTTP method")

// StatusError is a hard failure carrying the non-2xx status the target
// returned along with the response body for diagnostics.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.Status, e.Body)
}

// Outcome is the normalized result of a call: a 2xx success or a 409
// conflict. Anything else surfaces as an error from Call. The body is kept
// raw so callers decide what (if anything) to decode.
type Outcome struct {
	Status int
	Body   []byte
}

// Conflict reports whether the target answered 409. A conflict is not a
// failure; callers decide whether it is recoverable.
func (o Outcome) Conflict() bool {
	return o.Status == http.StatusConflict
}

// Decode unmarshals the response body into v.
func (o Outcome) Decode(v any) error {
	if err := json.Unmarshal(o.Body, v); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// Pacer gates outbound calls. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config holds gateway client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Pacer   Pacer
}

// Client is a thin request/response wrapper around the loyalty API. It
// keeps no state between calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	pacer      Pacer
	log        zerolog.Logger
}

// NewClient creates a new API gateway client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		pacer:      cfg.Pacer,
		log:        log,
	}
}

// AuthHeaders builds the header pair every authenticated call carries.
func AuthHeaders(token, userID string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token,
		"X-User-Id":     userID,
	}
}

// Call performs one HTTP request against the target. 2xx and 409 produce
// an Outcome; any other status, a timeout or a connection error produce an
// error. A nil body sends no payload; otherwise body is JSON-encoded.
func (c *Client) Call(ctx context.Context, method, path string, headers map[string]string, body any) (Outcome, error) {
	if method != http.MethodGet && method != http.MethodPost {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return Outcome{}, fmt.Errorf("gateway: pacing wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return Outcome{}, fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Outcome{}, fmt.Errorf("gateway: build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("gateway: read response of %s %s: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API call")

	if resp.StatusCode == http.StatusConflict {
		return Outcome{Status: resp.StatusCode, Body: respBody}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return Outcome{Status: resp.StatusCode, Body: respBody}, nil
}
