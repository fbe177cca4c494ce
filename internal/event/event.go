// Package event defines the immutable record describing one captured outbound
// HTTP call, and the batch grouping used to hand records to a transport.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrInvalid wraps every Validate failure so callers can distinguish a bad
// event from an infrastructure fault.
var ErrInvalid = errors.New("invalid event")

// SizeUnknown marks a request or response byte count that was not captured.
const SizeUnknown int64 = -1

// Event describes one captured outbound HTTP call. It is constructed once by
// the interceptor and never mutated afterwards; pipeline stages pass it by
// value, so the stage currently holding an event owns it exclusively.
type Event struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"service_name"`
	Method        string            `json:"method"`
	TargetHost    string            `json:"target_host"`
	TargetPath    string            `json:"target_path"`
	StatusCode    int               `json:"status_code,omitempty"` // 0 when the call failed before a response arrived
	DurationMs    float64           `json:"duration_ms"`
	RequestBytes  int64             `json:"request_bytes"`
	ResponseBytes int64             `json:"response_bytes"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Error         string            `json:"error,omitempty"`
}

// NewID returns a fresh event ID. ULIDs sort lexicographically by creation
// time, so IDs assigned within one process order the same way the events were
// captured.
func NewID() string {
	return ulid.Make().String()
}

// IsError reports whether the call failed at the transport level or returned
// an HTTP error status.
func (e Event) IsError() bool {
	return e.Error != "" || e.StatusCode >= 400
}

// Validate checks the fields every downstream consumer relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: no id", ErrInvalid)
	case e.ServiceName == "":
		return fmt.Errorf("%w: no service name", ErrInvalid)
	case e.Method == "":
		return fmt.Errorf("%w: no method", ErrInvalid)
	case e.TargetHost == "":
		return fmt.Errorf("%w: no target host", ErrInvalid)
	case e.DurationMs < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: no timestamp", ErrInvalid)
	}
	return nil
}

// Batch is an ordered group of events flushed together to a transport. Order
// is enqueue order; the storage engine depends on it when applying aggregate
// updates.
type Batch struct {
	ID     string  `json:"batch_id"`
	Events []Event `json:"events"`
}

// NewBatch wraps events in a batch with a fresh delivery ID.
func NewBatch(events []Event) Batch {
	return Batch{ID: uuid.NewString(), Events: events}
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}
