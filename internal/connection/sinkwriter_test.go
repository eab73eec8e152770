package connection

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateSink blocks its first Persist until release is closed.
type gateSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu  sync.Mutex
	ids []int
}

func (g *gateSink) Persist(_ context.Context, s Snapshot) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	g.mu.Lock()
	g.ids = append(g.ids, s.RetryCount)
	g.mu.Unlock()
	return nil
}

func TestSinkWriterKeepsOrderAndDropsOldest(t *testing.T) {
	g := &gateSink{started: make(chan struct{}), release: make(chan struct{})}
	w := newSinkWriter(g)

	w.enqueue(Snapshot{RetryCount: 0})
	<-g.started
	const extra = 3
	for i := 1; i <= maxQueued+extra; i++ {
		w.enqueue(Snapshot{RetryCount: i})
	}
	close(g.release)
	require.NoError(t, w.close(context.Background()))

	want := []int{0}
	for i := 1 + extra; i <= maxQueued+extra; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, g.ids)
}

func TestSinkWriterCloseFlushesQueue(t *testing.T) {
	sink := &recordingSink{}
	w := newSinkWriter(sink)
	for i := 0; i < 5; i++ {
		w.enqueue(Snapshot{RetryCount: i})
	}
	require.NoError(t, w.close(context.Background()))
	require.Len(t, sink.snaps, 5)
	assert.Equal(t, 4, sink.snaps[4].RetryCount)
}
