package gen

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/message"
	"github.com/voxbrix/voxbrix/storage"
)

// Loaded reports one chunk whose block data became available, either
// generated or read back from storage by the worker. Blob is the compressed
// broadcast form, Classes the dense array.
type Loaded struct {
	Chunk   entity.Chunk
	Classes []entity.BlockClass
	Blob    []byte
	// Err is set when generation exhausted its attempts; the chunk stays
	// in Loading.
	Err error
}

// Worker generates chunks on a dedicated OS thread. Requests are accepted
// without blocking the caller; completion is reported on the Loaded
// channel.
type Worker struct {
	cfg     *Cfg
	backend Backend
	store   *storage.Store
	rl      ratelimit.Limiter

	loaded chan Loaded

	queueMu sync.Mutex
	queue   []entity.Chunk

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWorker builds a worker over the given backend and store.
func NewWorker(cfg *Cfg, backend Backend, store *storage.Store) *Worker {
	w := &Worker{
		cfg:     cfg,
		backend: backend,
		store:   store,
		rl:      ratelimit.New(cfg.RatePerSecond),
		loaded:  make(chan Loaded, 256),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Loaded is the completion channel consumed by the tick loop.
func (w *Worker) Loaded() <-chan Loaded { return w.loaded }

// Enqueue requests generation of a chunk. Never blocks; the internal queue
// is unbounded and the tick loop's ticket accounting provides the natural
// backpressure.
func (w *Worker) Enqueue(c entity.Chunk) {
	w.queueMu.Lock()
	w.queue = append(w.queue, c)
	depth := len(w.queue)
	w.queueMu.Unlock()
	metrics.UpdateGauge(metrics.GroupGen, metrics.NameGenQueueDepth, float64(depth))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close stops the worker after the current call and closes the backend.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closed) })
	w.wg.Wait()
	return w.backend.Close(ctx)
}

func (w *Worker) next() (entity.Chunk, bool) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if len(w.queue) == 0 {
		return entity.Chunk{}, false
	}
	c := w.queue[0]
	w.queue = w.queue[1:]
	metrics.UpdateGauge(metrics.GroupGen, metrics.NameGenQueueDepth, float64(len(w.queue)))
	return c, true
}

// run is the worker thread.
func (w *Worker) run() {
	defer w.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := context.Background()
	for {
		c, ok := w.next()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.closed:
				return
			}
		}
		select {
		case <-w.closed:
			return
		default:
		}

		w.rl.Take()
		w.generate(ctx, c)
	}
}

// generate runs one chunk through the backend with bounded retries, writes
// the result durably and reports completion.
func (w *Worker) generate(ctx context.Context, c entity.Chunk) {
	var classes []entity.BlockClass
	var err error
	backoff := w.cfg.BaseBackoff
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		classes, err = w.safeGenerate(ctx, c)
		if err == nil {
			break
		}
		log.Warn().Err(err).
			Int32("x", c.X).Int32("y", c.Y).Int32("z", c.Z).
			Int("attempt", attempt).
			Msg("chunk generation failed")
		if attempt == w.cfg.MaxAttempts {
			w.emit(Loaded{Chunk: c, Err: err})
			return
		}
		select {
		case <-time.After(backoff):
		case <-w.closed:
			return
		}
		backoff *= 2
	}

	blob, err := message.EncodeBlockClasses(classes)
	if err != nil {
		w.emit(Loaded{Chunk: c, Err: err})
		return
	}
	if err := w.store.PutChunkSync(ctx, c, blob); err != nil {
		w.emit(Loaded{Chunk: c, Err: err})
		return
	}
	metrics.IncrCounter(metrics.GroupGen, metrics.NameChunkGenTotal, 1)
	w.emit(Loaded{Chunk: c, Classes: classes, Blob: blob})
}

// safeGenerate converts a backend panic into an error so one bad chunk
// cannot take the worker down.
func (w *Worker) safeGenerate(ctx context.Context, c entity.Chunk) (classes []entity.BlockClass, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	return w.backend.Generate(ctx, c)
}

type panicError struct{ val any }

func (e *panicError) Error() string {
	return fmt.Sprintf("generator panic: %v", e.val)
}

func (w *Worker) emit(l Loaded) {
	select {
	case w.loaded <- l:
	case <-w.closed:
	}
}
