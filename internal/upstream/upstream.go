// Package upstream implements a forwarder.Backend that dispatches a
// tool call as a plain HTTP POST, the way a real primary/canary
// upstream would be reached. The http.Client-plus-context idiom (build
// a request with context, set headers, check status, decode) follows
// pkg/bookowl's and pkg/mattermost's HTTP client style.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/walker77/paygate-core/pkg/forwarder"
)

// HTTPBackend sends a tool call to baseURL + "/" + tool as a JSON POST
// and returns the raw response body. It implements forwarder.Backend.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an HTTPBackend with the given request timeout. baseURL
// should not have a trailing slash.
func New(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// statusError implements forwarder.RetryableError: 5xx and timeouts are
// retryable, 4xx are not, since retrying a malformed call just repeats
// the same failure.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.status)
}

func (e *statusError) Retryable() bool {
	return e.status >= 500
}

// Send implements forwarder.Backend.
func (b *HTTPBackend) Send(ctx context.Context, tool string, args []byte) ([]byte, error) {
	url := b.baseURL + "/" + tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream for %s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response for %s: %w", tool, err)
	}

	if resp.StatusCode != http.StatusOK {
		return body, &statusError{status: resp.StatusCode}
	}
	return body, nil
}

var _ forwarder.Backend = (*HTTPBackend)(nil)
