package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotix/device-engine/internal/device"
)

// Defaults applied when Options fields are zero.
const (
	defaultBuffer        = 4096
	defaultPruneInterval = time.Minute
	insertTimeout        = 5 * time.Second
)

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Recorder.
type Options struct {
	// Buffer bounds pending events; 0 means the default (4096).
	Buffer int

	// MaxRows is the retention cap enforced by periodic pruning;
	// non-positive keeps everything.
	MaxRows int

	// PruneInterval is how often retention is enforced; 0 means the
	// default (1 minute).
	PruneInterval time.Duration

	Logger Logger
}

// Recorder buffers manager events and writes them to the repository
// from a single consumer goroutine. Record never blocks; when the
// buffer is full the event is dropped and counted.
type Recorder struct {
	repo *Repository
	opts Options

	events  chan device.Event
	dropped atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder starts the consumer goroutine. Wire Record into the
// manager with Manager.Subscribe(rec.Record).
func NewRecorder(repo *Repository, opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	r := &Recorder{
		repo:   repo,
		opts:   opts,
		events: make(chan device.Event, opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one event for persistence. Safe for concurrent use;
// never blocks.
func (r *Recorder) Record(ev device.Event) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops the consumer after draining buffered events.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

// run is the consumer loop: it drains the event channel and enforces
// retention on the prune ticker.
func (r *Recorder) run() {
	defer close(r.done)

	pruner := time.NewTicker(r.opts.PruneInterval)
	defer pruner.Stop()

	for {
		select {
		case ev := <-r.events:
			r.persist(ev)
		case <-pruner.C:
			r.prune()
		case <-r.stop:
			// Drain what arrived before the stop.
			for {
				select {
				case ev := <-r.events:
					r.persist(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(ev device.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	err := r.repo.Insert(ctx, Record{
		DeviceID:  ev.DeviceID,
		ModelID:   ev.ModelID,
		GroupID:   ev.GroupID,
		EventType: ev.Type,
		Detail:    ev.Detail,
		Source:    string(ev.Source),
		CreatedAt: ev.At,
	})
	if err != nil {
		r.opts.Logger.Error("persisting event", "event_type", ev.Type, "device_id", ev.DeviceID, "error", err)
	}
}

func (r *Recorder) prune() {
	if r.opts.MaxRows <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	deleted, err := r.repo.Prune(ctx, r.opts.MaxRows)
	if err != nil {
		r.opts.Logger.Error("pruning history", "error", err)
		return
	}
	if deleted > 0 {
		r.opts.Logger.Warn("history pruned", "deleted", deleted, "max_rows", r.opts.MaxRows)
	}
}
