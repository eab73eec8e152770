package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/obslog"
)

const (
	persistTimeout = 5 * time.Second
	maxQueued      = 64
)

// sinkWriter persists snapshots in order on one goroutine. enqueue never
// blocks; when the sink falls maxQueued snapshots behind, the oldest
// queued one is dropped.
type sinkWriter struct {
	sink Sink

	mu      sync.Mutex
	queue   []Snapshot
	dropped int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSinkWriter(sink Sink) *sinkWriter {
	w := &sinkWriter{
		sink: sink,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *sinkWriter) enqueue(s Snapshot) {
	w.mu.Lock()
	if len(w.queue) >= maxQueued {
		w.queue = w.queue[1:]
		w.dropped++
	}
	w.queue = append(w.queue, s)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *sinkWriter) take() (Snapshot, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dropped := w.dropped
	w.dropped = 0
	if len(w.queue) == 0 {
		return Snapshot{}, dropped, false
	}
	s := w.queue[0]
	w.queue = w.queue[1:]
	return s, dropped, true
}

func (w *sinkWriter) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

// flush writes everything queued so far.
func (w *sinkWriter) flush() {
	for {
		s, dropped, ok := w.take()
		if dropped > 0 {
			obslog.L().Warn("conn_sink_snapshots_dropped", zap.Int("count", dropped))
		}
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := w.sink.Persist(ctx, s)
		cancel()
		if err != nil {
			obslog.L().Warn("conn_sink_persist_failed",
				zap.String("status", string(s.Status)),
				zap.Error(err),
			)
		}
	}
}

// close flushes what is still queued and waits for the writer.
func (w *sinkWriter) close(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
