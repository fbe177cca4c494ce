// Package collector runs the batching pipeline between capture producers and
// a transport: a bounded queue absorbing bursts, a single consumer loop that
// closes batches by size or age, and bounded retry on delivery failure.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/event"
	"github.com/apiscope/apiscope/internal/queue"
	"github.com/apiscope/apiscope/internal/transport"
)

const (
	deliverTimeout = 30 * time.Second
	maxBackoff     = 5 * time.Second
)

const (
	stateNew = int32(iota)
	stateRunning
	stateStopped
)

// Collector owns one batcher loop. The application constructs it once and
// passes the handle to wherever events originate; there is no process-wide
// singleton.
type Collector struct {
	cfg       config.CollectorConfig
	queue     *queue.Queue[event.Event]
	transport transport.Transport

	ownsTransport bool
	state         atomic.Int32
	startOnce     sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates a collector delivering to the given transport. The transport's
// lifecycle stays with the caller; use NewFromConfig to have the collector
// build and own one.
func New(cfg config.CollectorConfig, tr transport.Transport) *Collector {
	return &Collector{
		cfg:       cfg,
		queue:     queue.New[event.Event](cfg.MaxQueueSize),
		transport: tr,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Emit enqueues one event without blocking. It reports false when the queue
// is full (the event is dropped and counted) or the collector has stopped.
// Emit is the only method called from producer goroutines.
func (c *Collector) Emit(ev event.Event) bool {
	if c.state.Load() == stateStopped {
		return false
	}
	if !c.queue.Enqueue(ev) {
		eventsDropped.Inc()
		return false
	}
	eventsEnqueued.Inc()
	return true
}

// Start begins the batcher loop. It is safe to call once; events emitted
// before Start simply wait in the queue.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		c.state.Store(stateRunning)
		go c.loop()
		log.Info().
			Str("transport", c.cfg.TransportType).
			Int("batchSize", c.cfg.BatchSize).
			Dur("batchInterval", c.cfg.BatchInterval.Std()).
			Msg("Collector started")
	})
}

// Stop drains the queue fully, flushes the final partial batch, and blocks
// until that completes or the stop timeout elapses. It is idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.state.Store(stateStopped)
		close(c.stopCh)

		timeout := c.cfg.StopTimeout.Std()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		select {
		case <-c.doneCh:
		case <-time.After(timeout):
			log.Warn().Msg("Collector shutdown timed out before the drain finished")
		}

		if c.ownsTransport {
			if err := c.transport.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close transport")
			}
		}
		log.Info().Uint64("droppedEvents", c.queue.Dropped()).Msg("Collector stopped")
	})
}

// QueueLen returns the number of events waiting in the queue.
func (c *Collector) QueueLen() int {
	return c.queue.Len()
}

// DroppedEvents returns how many events the queue rejected while full.
func (c *Collector) DroppedEvents() uint64 {
	return c.queue.Dropped()
}

func (c *Collector) loop() {
	defer close(c.doneCh)

	interval := c.cfg.BatchInterval.Std()
	poll := interval / 4
	if poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		buffered []event.Event
		firstAt  time.Time
	)
	flush := func() {
		if len(buffered) == 0 {
			return
		}
		c.deliver(event.NewBatch(buffered))
		buffered = nil
		firstAt = time.Time{}
	}

	for {
		select {
		case <-c.stopCh:
			// Graceful shutdown: everything accepted by Emit before Stop is
			// already in the queue; drain it completely and flush the final
			// partial batch regardless of size or age.
			for {
				drained := c.queue.Drain(c.cfg.BatchSize - len(buffered))
				buffered = append(buffered, drained...)
				if len(buffered) == 0 {
					return
				}
				if len(buffered) < c.cfg.BatchSize && c.queue.Len() == 0 {
					flush()
					return
				}
				flush()
			}

		case <-ticker.C:
			if len(buffered) < c.cfg.BatchSize {
				drained := c.queue.Drain(c.cfg.BatchSize - len(buffered))
				if len(drained) > 0 && len(buffered) == 0 {
					firstAt = time.Now()
				}
				buffered = append(buffered, drained...)
			}
			switch {
			case len(buffered) >= c.cfg.BatchSize:
				flush()
			case len(buffered) > 0 && time.Since(firstAt) >= interval:
				flush()
			}
		}
	}
}

// deliver hands one batch to the transport, retrying with bounded exponential
// backoff. Exhausted retries drop the batch: queue capacity is not used to
// buffer failed batches indefinitely.
func (c *Collector) deliver(batch event.Batch) {
	backoff := c.cfg.RetryBackoff.Std()
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	attempts := c.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := c.transport.Deliver(ctx, batch)
		cancel()

		if err == nil {
			batchesDelivered.Inc()
			eventsDelivered.Add(float64(batch.Len()))
			return
		}

		if errors.Is(err, transport.ErrPermanent) {
			log.Error().Err(err).Str("batch", batch.ID).Msg("Permanent delivery failure; dropping batch")
			break
		}

		log.Warn().Err(err).
			Str("batch", batch.ID).
			Int("attempt", attempt).
			Int("maxAttempts", attempts).
			Msg("Batch delivery failed")

		if attempt < attempts {
			deliveryRetries.Inc()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	batchesDropped.Inc()
	log.Error().
		Str("batch", batch.ID).
		Int("events", batch.Len()).
		Msg("Dropping batch after exhausting delivery retries")
}
