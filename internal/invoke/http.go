// Package invoke dispatches routed payloads to provider backends over HTTP
// and reports measured token usage back to the router.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/router"
)

// Endpoint describes one backend's dispatch target.
type Endpoint struct {
	URL    string
	APIKey string
}

// UnknownBackendError is returned when a tier names a backend with no
// configured endpoint.
type UnknownBackendError struct {
	BackendID string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("no endpoint configured for backend %q", e.BackendID)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	BackendID  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %q returned status %d: %s", e.BackendID, e.StatusCode, e.Body)
}

type dispatchRequest struct {
	Payload string `json:"payload"`
}

type dispatchResponse struct {
	Content      string `json:"content"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// HTTPInvoker implements router.Invoker by POSTing payloads to per-backend
// endpoints.
type HTTPInvoker struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

// NewHTTPInvoker builds an invoker over the given endpoint map. A nil client
// gets a default with connection reuse.
func NewHTTPInvoker(endpoints map[string]Endpoint, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{endpoints: endpoints, client: client}
}

// Invoke sends the payload to the backend's endpoint. The timeout is already
// enforced by the caller's context; it is forwarded as a hint header so
// providers can bound their own work.
func (h *HTTPInvoker) Invoke(ctx context.Context, backendID, payload string, timeout time.Duration) (*router.Response, ledger.Usage, error) {
	ep, ok := h.endpoints[backendID]
	if !ok {
		return nil, ledger.Usage{}, &UnknownBackendError{BackendID: backendID}
	}

	body, err := json.Marshal(dispatchRequest{Payload: payload})
	if err != nil {
		return nil, ledger.Usage{}, fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, ledger.Usage{}, fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timeout-Ms", fmt.Sprintf("%d", timeout.Milliseconds()))
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ledger.Usage{}, fmt.Errorf("dispatch to %q failed: %w", backendID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, ledger.Usage{}, fmt.Errorf("failed to read response from %q: %w", backendID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ledger.Usage{}, &StatusError{
			BackendID:  backendID,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), 200),
		}
	}

	var out dispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, ledger.Usage{}, fmt.Errorf("failed to decode response from %q: %w", backendID, err)
	}

	usage := ledger.Usage{
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		BackendID:    backendID,
	}
	return &router.Response{Content: out.Content, BackendID: backendID}, usage, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
