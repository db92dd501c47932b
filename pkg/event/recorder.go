package event

import "sync"

// Recorder is a Publisher that keeps every event it receives. It is meant
// for tests and for the CLI's end-of-run summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Updated is signalled after each Publish. Several publishes may coalesce
// into one signal.
func (r *Recorder) Updated() <-chan struct{} {
	return r.notify
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Find returns the recorded events of type T in order.
func Find[T Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
