package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotix/device-engine/internal/infrastructure/config"
	"github.com/iotix/device-engine/internal/infrastructure/metrics"
)

// Default tuning applied when config values are missing or non-positive.
const (
	defaultBatchSize       = 5000
	defaultFlushInterval   = time.Second
	defaultBufferSize      = 100000
	defaultRetryBackoffCap = 30 * time.Second
	defaultShutdownFlush   = 5 * time.Second

	retryInitialBackoff = time.Second
	healthCheckTimeout  = 10 * time.Second
)

// writer is the backend behind the sink: it delivers finished batches.
type writer interface {
	writeBatch(ctx context.Context, points []Point) error
	healthCheck(ctx context.Context) error
	close()
}

// Point is one tagged time-series sample queued for delivery.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Stats is a snapshot of sink counters.
type Stats struct {
	Submitted uint64
	Written   uint64
	Dropped   uint64
	Retries   uint64
	Buffered  int
}

// Sink batches time-series points and delivers them to an external store.
//
// Submission is non-blocking: points land in a bounded buffer and the
// oldest point is dropped (counted) when the buffer is full. Batches are
// flushed once the batch size is reached or the flush interval elapses,
// whichever comes first. Failed batches are retried with exponential
// backoff; devices never wait on sink I/O.
//
// Thread Safety: all methods are safe for concurrent use.
type Sink struct {
	w   writer
	cfg config.SinkConfig

	mu  sync.Mutex
	buf []Point

	batchSize  int
	bufferSize int

	submitted atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64

	flushTick *time.Ticker
	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	closedMu sync.Mutex
	closed   bool

	// onError receives async delivery failures.
	cbMu    sync.RWMutex
	onError func(err error)
	em      *metrics.EngineMetrics
}

// Connect builds a sink for the configured backend, verifies the store is
// reachable and starts the flush loop.
//
// Parameters:
//   - ctx: Context for the connectivity check
//   - cfg: Sink configuration from config.yaml
//
// Returns:
//   - *Sink: Running sink ready for submissions
//   - error: ErrDisabled when the sink is off, or the connection failure
func Connect(ctx context.Context, cfg config.SinkConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	var w writer
	var err error
	switch cfg.Backend {
	case "influxdb2":
		w, err = newInfluxWriter(cfg)
	default:
		w = newLineWriter(cfg)
	}
	if err != nil {
		return nil, err
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := w.healthCheck(healthCtx); err != nil {
		w.close()
		return nil, fmt.Errorf("%w: health check failed: %w", ErrConnectionFailed, err)
	}

	return start(w, cfg), nil
}

// start assembles a sink around a writer and launches the flush loop.
// Split from Connect so tests can supply their own writer.
func start(w writer, cfg config.SinkConfig) *Sink {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	flushInterval := cfg.GetFlushInterval()
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	s := &Sink{
		w:          w,
		cfg:        cfg,
		buf:        make([]Point, 0, batchSize),
		batchSize:  batchSize,
		bufferSize: bufferSize,
		flushTick:  time.NewTicker(flushInterval),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Submit queues a point for delivery. It never blocks: when the buffer is
// full the oldest point is discarded and the dropped counter incremented.
func (s *Sink) Submit(p Point) {
	if p.Time.IsZero() {
		p.Time = time.Now()
	}

	s.mu.Lock()
	if len(s.buf) >= s.bufferSize {
		// Drop oldest to keep the newest data flowing.
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped.Add(1)
		if em := s.engineMetrics(); em != nil {
			em.SinkDropped.Inc()
		}
	}
	s.buf = append(s.buf, p)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	s.submitted.Add(1)
	if em := s.engineMetrics(); em != nil {
		em.SinkPointsTotal.WithLabelValues(p.Measurement).Inc()
	}

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// flushLoop drains the buffer on the flush timer, on batch-size kicks and
// finally when the sink shuts down.
func (s *Sink) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.flushTick.C:
			s.drain()
		case <-s.kick:
			s.drain()
		case <-s.done:
			return
		}
	}
}

// drain delivers pending points batch by batch until the buffer is empty
// or the sink is shutting down.
func (s *Sink) drain() {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}
		if !s.deliver(batch) {
			return
		}
	}
}

// takeBatch removes up to batchSize points from the front of the buffer.
func (s *Sink) takeBatch() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return nil
	}
	n := len(s.buf)
	if n > s.batchSize {
		n = s.batchSize
	}
	batch := make([]Point, n)
	copy(batch, s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return batch
}

// deliver writes one batch, retrying with exponential backoff until it
// succeeds or the sink shuts down. Returns false when the sink is closing
// and the batch could not be delivered.
func (s *Sink) deliver(batch []Point) bool {
	maxBackoff := s.cfg.GetRetryMaxBackoff()
	if maxBackoff <= 0 {
		maxBackoff = defaultRetryBackoffCap
	}
	backoff := retryInitialBackoff
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	for {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		err := s.w.writeBatch(ctx, batch)
		cancel()
		if err == nil {
			s.written.Add(uint64(len(batch)))
			return true
		}

		s.reportError(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		s.retries.Add(1)

		select {
		case <-time.After(backoff):
		case <-s.done:
			s.dropped.Add(uint64(len(batch)))
			if em := s.engineMetrics(); em != nil {
				em.SinkDropped.Add(float64(len(batch)))
			}
			return false
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close stops the flush loop, attempts a final delivery of everything
// still buffered within the shutdown deadline, and releases the backend.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}

	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.flushTick.Stop()
	close(s.done)
	s.wg.Wait()

	deadline := s.cfg.GetShutdownFlushTimeout()
	if deadline <= 0 {
		deadline = defaultShutdownFlush
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			break
		}
		if err := s.w.writeBatch(ctx, batch); err != nil {
			s.dropped.Add(uint64(len(batch)))
			if em := s.engineMetrics(); em != nil {
				em.SinkDropped.Add(float64(len(batch)))
			}
			s.reportError(fmt.Errorf("%w: shutdown flush: %w", ErrWriteFailed, err))
			break
		}
		s.written.Add(uint64(len(batch)))
	}

	s.w.close()
	return nil
}

// HealthCheck verifies the backing store is reachable.
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.w.healthCheck(ctx)
}

// SetOnError sets a callback invoked on asynchronous delivery failures.
// Writes are batched and flushed in the background, so errors arrive here
// rather than from Submit.
func (s *Sink) SetOnError(callback func(err error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onError = callback
}

// SetMetrics attaches the engine's Prometheus counters for submitted and
// dropped points.
func (s *Sink) SetMetrics(em *metrics.EngineMetrics) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.em = em
}

func (s *Sink) engineMetrics() *metrics.EngineMetrics {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.em
}

func (s *Sink) reportError(err error) {
	s.cbMu.RLock()
	callback := s.onError
	s.cbMu.RUnlock()

	if callback != nil {
		callback(err)
	}
}

// Counters returns a snapshot of the sink counters.
func (s *Sink) Counters() Stats {
	s.mu.Lock()
	buffered := len(s.buf)
	s.mu.Unlock()

	return Stats{
		Submitted: s.submitted.Load(),
		Written:   s.written.Load(),
		Dropped:   s.dropped.Load(),
		Retries:   s.retries.Load(),
		Buffered:  buffered,
	}
}
