package loader

import (
	"sync"

	"hybridstream/internal/domain"
)

// Event is a loader-level lifecycle notification delivered to subscribers.
type Event struct {
	Kind    domain.LoaderEvent
	Segment *domain.Segment
	Err     error
}

// Emitter is a publish/subscribe registry per event kind. Listeners attached
// after an event fires never receive it retroactively.
type Emitter struct {
	mu        sync.Mutex
	listeners map[domain.LoaderEvent][]func(Event)
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[domain.LoaderEvent][]func(Event))}
}

// On registers a listener for the given event kind.
func (e *Emitter) On(kind domain.LoaderEvent, fn func(Event)) {
	e.mu.Lock()
	e.listeners[kind] = append(e.listeners[kind], fn)
	e.mu.Unlock()
}

// Emit delivers the event to every listener registered for its kind.
// Listeners run on the caller's goroutine, outside the registry lock.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), len(e.listeners[ev.Kind]))
	copy(fns, e.listeners[ev.Kind])
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
