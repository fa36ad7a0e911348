// Package batch implements the dynamic batch coalescer: it converts a
// high-concurrency stream of individual requests into a serial stream of
// size- or time-bounded batches, handed to an injected compute function,
// and returns each original caller its own response.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors returned by Submit.
var (
	// ErrSubmitTimeout is returned when submitTimeout elapses before the
	// caller's completion slot is filled. The request may still be
	// dispatched; the slot write, if it later happens, is safe against a
	// departed caller because the slot is a buffered channel of capacity
	// one.
	ErrSubmitTimeout = errors.New("batch: submit timed out waiting for result")

	// ErrShuttingDown is returned by Submit once Stop has been called, and
	// delivered to any request still in flight when the drain grace
	// period elapses.
	ErrShuttingDown = errors.New("batch: coalescer is shutting down")

	// ErrQueueFull is returned by Submit when the coalescer was
	// constructed with a bounded ingress queue that is at capacity. The
	// reference design's ingress is unbounded; this is an opt-in
	// back-pressure variant (spec.md §4.2, "Back-pressure").
	ErrQueueFull = errors.New("batch: ingress queue is full")
)

// Trigger identifies why a batch was dispatched. Observability only.
type Trigger int

const (
	// TriggerFull means the batch reached MaxBatchSize.
	TriggerFull Trigger = iota
	// TriggerTimeout means the batch's age reached BatchTimeout. The partial
	// batch flushed by Stop is also counted under TriggerTimeout.
	TriggerTimeout
)

func (t Trigger) String() string {
	switch t {
	case TriggerFull:
		return "FULL"
	case TriggerTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// ComputeFunc executes one batch and must return exactly len(batch)
// responses, index-aligned with batch, or an error that fails every
// request in the batch.
type ComputeFunc[Req any, Resp any] func(ctx context.Context, batch []Req) ([]Resp, error)

// Metrics is a point-in-time snapshot of CoalescerMetrics.
type Metrics struct {
	TotalRequests  int64
	TotalBatches   int64
	FullBatches    int64
	TimeoutBatches int64
	AvgBatchSize   float64
}

// Config holds every Coalescer option recognized by spec.md §4.2.
type Config struct {
	// MaxBatchSize is the hard upper bound on batch length; reaching it
	// triggers immediate dispatch. Must be >= 1.
	MaxBatchSize int

	// BatchTimeout is the maximum additional time a partially-filled
	// batch may wait for more requests after its first request arrived.
	BatchTimeout time.Duration

	// SubmitTimeout bounds how long a caller will wait for its response
	// before Submit itself fails with ErrSubmitTimeout. Defaults to 10s.
	SubmitTimeout time.Duration

	// StopDrain bounds how long Stop waits for the dispatch goroutine to
	// finish draining before abandoning it. Defaults to 2s.
	StopDrain time.Duration

	// QueueSize, if > 0, bounds the ingress queue; Submit fails fast with
	// ErrQueueFull instead of blocking once it is reached. Zero means
	// unbounded, the reference design's default.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.StopDrain <= 0 {
		c.StopDrain = 2 * time.Second
	}
}

// pending is a single enqueued request: its payload and the single-shot
// completion slot the dispatch goroutine writes into exactly once.
type pending[Req any, Resp any] struct {
	req  Req
	done chan result[Resp]
}

type result[Resp any] struct {
	resp Resp
	err  error
}

// Coalescer is the per-worker batch coalescer. Zero value is not usable;
// construct with New.
type Coalescer[Req any, Resp any] struct {
	cfg     Config
	compute ComputeFunc[Req, Resp]

	ingress chan *pending[Req, Resp]
	bounded bool

	mu       sync.Mutex
	metrics  Metrics
	started  bool
	stopping chan struct{}
	stopped  chan struct{}
}

// New constructs a Coalescer. MaxBatchSize must be >= 1; compute must be
// non-nil.
func New[Req any, Resp any](cfg Config, compute ComputeFunc[Req, Resp]) *Coalescer[Req, Resp] {
	if cfg.MaxBatchSize < 1 {
		panic("batch: MaxBatchSize must be >= 1")
	}
	if compute == nil {
		panic("batch: compute function must not be nil")
	}
	cfg.setDefaults()

	bounded := cfg.QueueSize > 0
	queueSize := cfg.QueueSize
	if !bounded {
		// Unbounded in practice: large enough that QueueFull is never
		// the reason Submit fails for callers who didn't ask for
		// back-pressure.
		queueSize = 1 << 20
	}

	return &Coalescer[Req, Resp]{
		cfg:      cfg,
		compute:  compute,
		ingress:  make(chan *pending[Req, Resp], queueSize),
		bounded:  bounded,
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start spawns the single dispatch goroutine. Idempotent.
func (c *Coalescer[Req, Resp]) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.dispatchLoop()
}

// Stop signals the dispatch goroutine to drain and exit, and waits up to
// cfg.StopDrain for it to finish. Any requests still pending when the
// drain completes (or times out) fail with ErrShuttingDown.
func (c *Coalescer[Req, Resp]) Stop() {
	close(c.stopping)
	select {
	case <-c.stopped:
	case <-time.After(c.cfg.StopDrain):
	}
}

// Submit enqueues req with a fresh completion slot and blocks until the
// slot is filled or cfg.SubmitTimeout elapses.
func (c *Coalescer[Req, Resp]) Submit(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	p := &pending[Req, Resp]{
		req:  req,
		done: make(chan result[Resp], 1),
	}

	select {
	case <-c.stopping:
		return zero, ErrShuttingDown
	default:
	}

	if c.bounded {
		select {
		case c.ingress <- p:
		default:
			return zero, ErrQueueFull
		}
	} else {
		select {
		case c.ingress <- p:
		case <-c.stopping:
			return zero, ErrShuttingDown
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	c.mu.Lock()
	c.metrics.TotalRequests++
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-timer.C:
		return zero, ErrSubmitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.stopping:
		// Stop was called while this request was pending: wait up to
		// StopDrain for its result, then fail it with ErrShuttingDown.
		grace := time.NewTimer(c.cfg.StopDrain)
		defer grace.Stop()
		select {
		case r := <-p.done:
			return r.resp, r.err
		case <-grace.C:
			return zero, ErrShuttingDown
		}
	}
}

// Metrics returns a consistent snapshot of the coalescer's counters.
func (c *Coalescer[Req, Resp]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// dispatchLoop is the heart of the design (spec.md §4.2): it assembles one
// batch at a time, bounded by MaxBatchSize and BatchTimeout, and hands each
// completed batch to compute.
func (c *Coalescer[Req, Resp]) dispatchLoop() {
	defer close(c.stopped)

	var batch []*pending[Req, Resp]
	var timer *time.Timer

	resetBatch := func() {
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	for {
		if len(batch) == 0 {
			// Unbounded wait: no deadline while the batch is empty.
			select {
			case p, ok := <-c.ingress:
				if !ok {
					return
				}
				batch = append(batch, p)
				timer = time.NewTimer(c.cfg.BatchTimeout)
				if len(batch) >= c.cfg.MaxBatchSize {
					c.dispatch(batch, TriggerFull)
					resetBatch()
				}
			case <-c.stopping:
				c.drain()
				return
			}
			continue
		}

		select {
		case p, ok := <-c.ingress:
			if !ok {
				c.dispatch(batch, TriggerTimeout)
				return
			}
			batch = append(batch, p)
			if len(batch) >= c.cfg.MaxBatchSize {
				c.dispatch(batch, TriggerFull)
				resetBatch()
			}
		case <-timer.C:
			c.dispatch(batch, TriggerTimeout)
			resetBatch()
		case <-c.stopping:
			c.dispatch(batch, TriggerTimeout)
			c.drain()
			return
		}
	}
}

// drain fails every request still sitting in the ingress channel with
// ErrShuttingDown, non-blocking so a departed caller can't wedge it.
func (c *Coalescer[Req, Resp]) drain() {
	for {
		select {
		case p := <-c.ingress:
			deliver(p, result[Resp]{err: ErrShuttingDown})
		default:
			return
		}
	}
}

// dispatch executes compute_fn(batch) and delivers results (or the common
// error) to every completion slot, index-aligned with batch.
func (c *Coalescer[Req, Resp]) dispatch(batch []*pending[Req, Resp], trigger Trigger) {
	if len(batch) == 0 {
		return
	}

	reqs := make([]Req, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	ctx := context.Background()
	resps, err := c.compute(ctx, reqs)
	if err != nil {
		wrapped := fmt.Errorf("batch: compute failed: %w", err)
		for _, p := range batch {
			deliver(p, result[Resp]{err: wrapped})
		}
	} else {
		for i, p := range batch {
			deliver(p, result[Resp]{resp: resps[i]})
		}
	}

	c.mu.Lock()
	c.metrics.TotalBatches++
	n := c.metrics.TotalBatches
	prevTotal := c.metrics.AvgBatchSize * float64(n-1)
	c.metrics.AvgBatchSize = (prevTotal + float64(len(batch))) / float64(n)
	if trigger == TriggerFull {
		c.metrics.FullBatches++
	} else {
		c.metrics.TimeoutBatches++
	}
	c.mu.Unlock()
}

// deliver writes to p.done without blocking: the slot has capacity one and
// is written exactly once, so this never contends with a second writer,
// and a caller that already gave up on ErrSubmitTimeout simply never reads
// it.
func deliver[Req any, Resp any](p *pending[Req, Resp], r result[Resp]) {
	p.done <- r
}
