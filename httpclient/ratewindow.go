package httpclient

import (
	"sync"
	"time"
)

// rateWindow is a fixed-window request counter. A ticker resets the count every
// window regardless of traffic; acquire never blocks.
type rateWindow struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	count   int
	start   time.Time
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newRateWindow(ceiling int, window time.Duration) *rateWindow {
	w := &rateWindow{
		ceiling: ceiling,
		window:  window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	w.start = w.now()
	go w.run()
	return w
}

func (w *rateWindow) run() {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.reset()
		case <-w.stop:
			return
		}
	}
}

// acquire counts one request. When the ceiling is reached it returns false and
// the time left until the window resets.
func (w *rateWindow) acquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= w.ceiling {
		remaining := w.window - w.now().Sub(w.start)
		if remaining < 0 {
			remaining = 0
		}
		return remaining, false
	}
	w.count++
	return 0, true
}

func (w *rateWindow) reset() {
	w.mu.Lock()
	w.count = 0
	w.start = w.now()
	w.mu.Unlock()
}

func (w *rateWindow) snapshot() (count int, start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count, w.start
}

func (w *rateWindow) close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
