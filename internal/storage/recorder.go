package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/models"
)

const (
	DefaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 256
	writeTimeout         = 5 * time.Second
)

// Recorder persists one run through a Store. OnSample and OnEvent never
// block the caller: events are queued and dropped when the queue is full,
// samples only update in-memory totals that are flushed periodically.
type Recorder struct {
	store    Store
	interval time.Duration
	events   chan models.Event

	mu       sync.Mutex
	run      models.Run
	dirty    bool
	dropped  int
	started  bool
	disabled bool

	done       chan struct{}
	wg         sync.WaitGroup
	finishOnce sync.Once
}

// NewRecorder creates a recorder for run. The run row is created by Start;
// events observed before that are queued.
func NewRecorder(store Store, run models.Run, flushInterval time.Duration) *Recorder {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Recorder{
		store:    store,
		interval: flushInterval,
		events:   make(chan models.Event, defaultQueueSize),
		run:      run,
		done:     make(chan struct{}),
	}
}

// Start inserts the run row and starts the worker. The worker drains the
// queue and flushes totals until ctx is done or Finish is called.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()

	if err := r.store.CreateRun(ctx, &run); err != nil {
		r.mu.Lock()
		r.disabled = true
		r.mu.Unlock()
		r.discard()
		return err
	}

	r.mu.Lock()
	r.run.ID = run.ID
	r.run.StartedAt = run.StartedAt
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.worker(ctx)
	log.Info().Str("run_id", run.ID.String()).Msg("run recorder started")
	return nil
}

// SetDevice records the claimed stick. Call it before Start.
func (r *Recorder) SetDevice(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Device = device
}

func (r *Recorder) OnSample(s models.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return
	}
	r.run.Totals(s)
	r.dirty = true
}

func (r *Recorder) OnEvent(e models.Event) {
	r.mu.Lock()
	disabled := r.disabled
	r.mu.Unlock()
	if disabled {
		return
	}

	select {
	case r.events <- e:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.events:
			r.writeEvent(e)
		case <-ticker.C:
			r.flush()
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) discard() {
	for {
		select {
		case <-r.events:
		default:
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.events:
			r.writeEvent(e)
		default:
			return
		}
	}
}

func (r *Recorder) writeEvent(e models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.CreateRunEvent(ctx, &e); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("store run event failed")
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	run := r.run
	r.dirty = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.UpdateRunTotals(ctx, &run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("store run totals failed")
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}

// Finish stops the worker, writes queued events and final totals, and marks
// the run finished with reason. Call it after the bridge shut down; only the
// first call has any effect. It does nothing if Start never succeeded.
func (r *Recorder) Finish(reason string) {
	r.finishOnce.Do(func() { r.finish(reason) })
}

func (r *Recorder) finish(reason string) {
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return
	}

	r.drain()
	r.flush()

	r.mu.Lock()
	id := r.run.ID
	dropped := r.dropped
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.FinishRun(ctx, id, time.Now(), reason); err != nil {
		log.Warn().Err(err).Str("run_id", id.String()).Msg("finish run failed")
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("run events dropped, queue was full")
	}
}

// Run returns a copy of the current run totals.
func (r *Recorder) Run() models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}
