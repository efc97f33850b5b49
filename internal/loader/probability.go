package loader

import (
	"sync"
	"time"
)

// probabilityTimer drives the recurring randomized direct-download pass.
// The dice roll itself lives in the loader, next to its injectable random
// source, so tests can make both the tick and the roll deterministic by
// calling the tick function directly.
type probabilityTimer struct {
	interval time.Duration
	tick     func()

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func newProbabilityTimer(interval time.Duration, tick func()) *probabilityTimer {
	return &probabilityTimer{
		interval: interval,
		tick:     tick,
		done:     make(chan struct{}),
	}
}

func (t *probabilityTimer) start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

func (t *probabilityTimer) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *probabilityTimer) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}
