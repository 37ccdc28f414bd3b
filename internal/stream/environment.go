package stream

import "sync"

// EventKind identifies a host environment event.
type EventKind int

const (
	// EventVisibility: the host was hidden or shown. Visible says which.
	EventVisibility EventKind = iota
	// EventOrientation: the host rotated.
	EventOrientation
	// EventResize: the terminal container changed size. Viewport is set.
	EventResize
	// EventFocus: the terminal regained focus.
	EventFocus
	// EventPaste: text was pasted into the terminal. Data is set.
	EventPaste
)

func (k EventKind) String() string {
	switch k {
	case EventVisibility:
		return "visibility"
	case EventOrientation:
		return "orientation"
	case EventResize:
		return "resize"
	case EventFocus:
		return "focus"
	case EventPaste:
		return "paste"
	default:
		return "unknown"
	}
}

// EnvironmentEvent is one notification from the host.
type EnvironmentEvent struct {
	Kind     EventKind
	Visible  bool
	Viewport Viewport
	Data     []byte
}

// Environment is the host the terminal view lives in: a browser page, a
// local terminal, a test.
type Environment interface {
	// Subscribe registers fn for every event until cancel is called.
	Subscribe(fn func(EnvironmentEvent)) (cancel func())

	// Viewport returns the terminal container's current pixel size.
	Viewport() Viewport
}

// EventSource is an Environment driven by explicit Emit calls.
type EventSource struct {
	mu       sync.RWMutex
	viewport Viewport
	nextID   int
	subs     map[int]func(EnvironmentEvent)
}

// NewEventSource returns an EventSource reporting the given viewport.
func NewEventSource(v Viewport) *EventSource {
	return &EventSource{
		viewport: v,
		subs:     make(map[int]func(EnvironmentEvent)),
	}
}

func (s *EventSource) Subscribe(fn func(EnvironmentEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *EventSource) Viewport() Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// Emit delivers ev to every subscriber. A resize event also updates the
// reported viewport.
func (s *EventSource) Emit(ev EnvironmentEvent) {
	s.mu.Lock()
	if ev.Kind == EventResize {
		s.viewport = ev.Viewport
	}
	subs := make([]func(EnvironmentEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (s *EventSource) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
