package walker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirQueuePopOrder(t *testing.T) {
	q := newDirQueue()
	q.push(dirItem{path: "a"})
	q.push(dirItem{path: "b"})

	it, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "b", it.path, "LIFO order keeps the walk depth-first")
}

func TestDirQueueQuiescesWhenEmptyAndIdle(t *testing.T) {
	q := newDirQueue()
	_, ok := q.pop()
	assert.False(t, ok, "empty queue with no active workers has quiesced")

	// Further pops keep returning false.
	_, ok = q.pop()
	assert.False(t, ok)
}

// A blocked pop must survive work produced by a still-active worker and
// only give up once the producer goes idle with nothing queued.
func TestDirQueueBlockedPopSeesNewWork(t *testing.T) {
	q := newDirQueue()
	q.push(dirItem{path: "root"})

	_, ok := q.pop()
	require.True(t, ok)

	got := make(chan dirItem, 1)
	go func() {
		it, ok := q.pop()
		if ok {
			got <- it
		}
		close(got)
	}()

	q.push(dirItem{path: "child"})
	it, open := <-got
	require.True(t, open)
	assert.Equal(t, "child", it.path)

	q.release() // root done
	q.release() // child done; queue empty, all idle

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestDirQueueConcurrentWorkers(t *testing.T) {
	const workers = 4
	q := newDirQueue()
	q.push(dirItem{path: "seed"})

	var processed atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := q.pop()
				if !ok {
					return
				}
				// Fan out two children per item until the path grows long.
				if len(it.path) < 10 {
					q.push(dirItem{path: it.path + "/l"})
					q.push(dirItem{path: it.path + "/r"})
				}
				processed.Add(1)
				q.release()
			}
		}()
	}
	wg.Wait()

	// A full binary tree: 1 + 2 + 4 + 8 items popped before quiescence.
	assert.Equal(t, int64(15), processed.Load())
}
