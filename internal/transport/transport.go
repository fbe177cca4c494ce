// Package transport defines the pluggable delivery sink for event batches and
// provides the in-memory, file-backed, and HTTP variants. The durable SQLite
// variant lives in the storage package.
package transport

import (
	"context"
	"errors"

	"github.com/apiscope/apiscope/internal/event"
)

// ErrPermanent marks a delivery failure that retrying cannot fix. The batcher
// drops the batch immediately instead of burning its retry budget.
var ErrPermanent = errors.New("permanent delivery failure")

// Transport accepts batches from the batcher. Deliver must be idempotent from
// the caller's perspective: retrying a batch after a failed attempt must not
// corrupt the sink's state.
type Transport interface {
	Deliver(ctx context.Context, batch event.Batch) error
	Close() error
}
