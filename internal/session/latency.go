package session

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

const latencySamples = 100

// latencyWindow keeps the most recent connect durations in milliseconds.
type latencyWindow struct {
	mu  sync.Mutex
	q   *queue.Queue
	sum int64
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{q: queue.New()}
}

func (w *latencyWindow) Add(d time.Duration) {
	ms := max(d.Milliseconds(), 0)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.q.Add(ms)
	w.sum += ms
	for w.q.Length() > latencySamples {
		w.sum -= w.q.Remove().(int64)
	}
}

// Average returns the mean in milliseconds and the sample count.
func (w *latencyWindow) Average() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.q.Length()
	if n == 0 {
		return 0, 0
	}
	return float64(w.sum) / float64(n), n
}
