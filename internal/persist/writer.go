package persist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/metrics"
)

// WriterOptions configures a Writer. Zero values take defaults.
type WriterOptions struct {
	BatchSize     int           // segment rows per AppendSegments call (default 100)
	BatchInterval time.Duration // max time a row waits in the batch (default 1s)
	QueueSize     int           // pending store calls before new ones are dropped (default 1024)
	CallTimeout   time.Duration // per store call (default 10s)
	Log           zerolog.Logger
}

// Writer is the fire-and-log front of a Store. Every method returns
// immediately; store calls run in order on a single worker goroutine and
// failures are logged and counted, never surfaced to the caller.
type Writer struct {
	store   Store
	log     zerolog.Logger
	timeout time.Duration
	batch   *Batcher[SegmentRow]

	mu     sync.Mutex
	closed bool
	ops    chan op
	done   chan struct{}
}

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// NewWriter starts the worker goroutine. Close must be called to drain it.
func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	w := &Writer{
		store:   store,
		log:     opts.Log.With().Str("component", "persist").Logger(),
		timeout: opts.CallTimeout,
		ops:     make(chan op, opts.QueueSize),
		done:    make(chan struct{}),
	}
	w.batch = NewBatcher[SegmentRow](opts.BatchSize, opts.BatchInterval, func(rows []SegmentRow) {
		w.enqueue("append_segments", func(ctx context.Context) error {
			return w.store.AppendSegments(ctx, rows)
		})
	})
	go w.run()
	return w
}

// CreateSession records a newly started session.
func (w *Writer) CreateSession(rec SessionRecord) {
	w.enqueue("create_session", func(ctx context.Context) error {
		return w.store.CreateSession(ctx, rec)
	})
}

// AppendSegment buffers one segment version for the next batch.
func (w *Writer) AppendSegment(row SegmentRow) {
	w.batch.Add(row)
}

// FinalizeSession flushes buffered segments, then records the final session.
func (w *Writer) FinalizeSession(rec SessionRecord) {
	w.batch.Sync()
	w.enqueue("finalize_session", func(ctx context.Context) error {
		return w.store.FinalizeSession(ctx, rec)
	})
}

// AppendCoachingEvent records a completed coaching episode. It satisfies
// coach.EpisodeStore.
func (w *Writer) AppendCoachingEvent(sessionID string, ep coach.Episode) {
	w.enqueue("append_coaching_event", func(ctx context.Context) error {
		return w.store.AppendCoachingEvent(ctx, sessionID, ep)
	})
}

// Close flushes buffered segments and waits for queued calls to finish or
// for ctx to expire.
func (w *Writer) Close(ctx context.Context) error {
	w.batch.Stop()
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.log.Warn().Int("queued", len(w.ops)).Msg("persistence writer closed before queue drained")
		return ctx.Err()
	}
}

func (w *Writer) enqueue(name string, fn func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		metrics.PersistenceFailuresTotal.WithLabelValues(name).Inc()
		w.log.Warn().Str("op", name).Msg("persistence writer closed, dropping call")
		return
	}
	select {
	case w.ops <- op{name: name, fn: fn}:
	default:
		metrics.PersistenceFailuresTotal.WithLabelValues(name).Inc()
		w.log.Warn().Str("op", name).Msg("persistence queue full, dropping call")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for o := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		start := time.Now()
		err := o.fn(ctx)
		cancel()
		if err != nil {
			metrics.PersistenceFailuresTotal.WithLabelValues(o.name).Inc()
			w.log.Error().Err(err).Str("op", o.name).Msg("persistence call failed")
			continue
		}
		w.log.Debug().Str("op", o.name).Dur("duration", time.Since(start)).Msg("persisted")
	}
}
