package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	metricEventsTotal  = "logging_events_total"
	metricEventsDrop   = "logging_events_dropped_total"
	metricSinkFailures = "logging_sink_failures_total"

	maxSinkBackoff = 32 * time.Second
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink registers a sink under a name. MinSeverity filters on top of
// the router-wide minimum.
type NamedSink struct {
	Name        string
	Sink        Sink
	MinSeverity Severity
}

// Printer receives the router's own diagnostics (drops, sink failures).
type Printer interface {
	Printf(format string, args ...any)
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithMetrics counts routed, dropped and failed events into metrics.
func WithMetrics(metrics *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithFallback sends router diagnostics to p instead of stderr.
func WithFallback(p Printer) RouterOption {
	return func(r *Router) {
		if p != nil {
			r.fallback = p
		}
	}
}

// Router fans events out to sinks asynchronously. Publish never blocks the
// lockstep engine: a full queue drops the event and counts it.
type Router struct {
	cfg          Config
	queue        chan Event
	sinks        []*sinkWorker
	clock        Clock
	fallback     Printer
	metrics      *Metrics
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	minSeverity  Severity
	fields       map[string]any
	wg           sync.WaitGroup
	dispatchOnce sync.Once

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	lastDropLog  atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64      `json:"eventsTotal"`
	DroppedTotal uint64      `json:"droppedTotal"`
	Sinks        []SinkStats `json:"sinks,omitempty"`
}

// SinkStats counts the events one sink wrote, failed or shed.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink, opts ...RouterOption) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, bufferSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
	}
	for _, opt := range opts {
		opt(r)
	}

	sinkBuffer := min(max(bufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkWorker{
			name:        named.Name,
			sink:        named.Sink,
			minSeverity: named.MinSeverity,
			events:      make(chan Event, sinkBuffer),
			router:      r,
		})
	}

	r.start()
	return r, nil
}

func (r *Router) start() {
	r.dispatchOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer func() {
				for _, worker := range r.sinks {
					close(worker.events)
				}
				r.wg.Done()
			}()
			for {
				select {
				case <-r.ctx.Done():
					r.drain()
					return
				case event := <-r.queue:
					r.forward(event)
				}
			}
		}()

		for _, worker := range r.sinks {
			r.wg.Add(1)
			go func(w *sinkWorker) {
				defer r.wg.Done()
				w.run()
			}(worker)
		}
	})
}

func (r *Router) drain() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = withFields(event, r.fields)
	r.eventsTotal.Add(1)
	r.count(metricEventsTotal)
	for _, worker := range r.sinks {
		if event.Severity < worker.minSeverity {
			continue
		}
		worker.enqueue(event)
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.handleDrop(event)
	}
}

// handleDrop counts every dropped event but reports at most one per
// DropWarnInterval.
func (r *Router) handleDrop(event Event) {
	r.droppedTotal.Add(1)
	r.count(metricEventsDrop)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := r.clock.Now().UnixNano()
	next := r.lastDropLog.Load()
	if next == 0 || now >= next {
		if r.lastDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
			r.fallback.Printf("dropping event type=%s tick=%d (%d dropped so far)", event.Type, event.Tick, r.droppedTotal.Load())
		}
	}
}

func (r *Router) count(key string) {
	if r.metrics != nil {
		r.metrics.TelemetryAdd(key, 1)
	}
}

// Close stops routing, waits for every queued event to reach the sinks and
// closes them. A second Close waits for ctx and returns its error.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.sinks {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Direct publishes straight into sink on the caller's goroutine. Tests and
// single-threaded tools use it where the router's asynchronous fan-out would
// make ordering unobservable.
func Direct(clock Clock, minSeverity Severity, sink Sink) Publisher {
	if sink == nil {
		return NopPublisher()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return PublisherFunc(func(_ context.Context, event Event) {
		if event.Type == "" || event.Severity < minSeverity {
			return
		}
		if event.Time.IsZero() {
			event.Time = clock.Now()
		}
		_ = sink.Write(event.Clone())
	})
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
	for _, worker := range r.sinks {
		stats.Sinks = append(stats.Sinks, SinkStats{
			Name:    worker.name,
			Written: worker.written.Load(),
			Failed:  worker.failed.Load(),
			Dropped: worker.dropped.Load(),
		})
	}
	return stats
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.sinks {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name        string
	sink        Sink
	minSeverity Severity
	events      chan Event
	router      *Router

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// owned by run
	failures  int
	nextRetry time.Time
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event.Clone():
	default:
		w.dropped.Add(1)
		w.router.count(metricEventsDrop)
		w.router.fallback.Printf("sink %s backlog full dropping event type=%s", w.name, event.Type)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		w.waitUntilReady()
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.written.Add(1)
		w.failures = 0
		w.nextRetry = time.Time{}
	}
}

// waitUntilReady holds a failing sink back until its retry time, unless the
// router is shutting down.
func (w *sinkWorker) waitUntilReady() {
	if w.failures == 0 || w.nextRetry.IsZero() {
		return
	}
	wait := w.nextRetry.Sub(w.router.clock.Now())
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.router.ctx.Done():
	}
}

func (w *sinkWorker) fail(err error) {
	w.failed.Add(1)
	w.failures++
	w.router.count(metricSinkFailures)
	delay := min(time.Duration(1<<min(w.failures, 5))*time.Second, maxSinkBackoff)
	w.nextRetry = w.router.clock.Now().Add(delay)
	w.router.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}
