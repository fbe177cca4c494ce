package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apiscope/apiscope/internal/event"
)

const defaultRequestTimeout = 10 * time.Second

// HTTP forwards batches to a remote collector as JSON over POST. The receiving
// end deduplicates on batch and event IDs, so redelivery is safe.
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates an HTTP transport posting to endpoint. A zero timeout uses
// the default.
func NewHTTP(endpoint string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Deliver posts one batch and treats any non-2xx response as a failed
// delivery, leaving the retry decision to the batcher.
func (h *HTTP) Deliver(ctx context.Context, batch event.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build collector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch %s: %w", batch.ID, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector rejected batch %s: %s", batch.ID, resp.Status)
	}
	return nil
}

// Close is a no-op; the underlying client keeps no per-transport state.
func (h *HTTP) Close() error {
	return nil
}
