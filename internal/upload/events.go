package upload

import "sync"

// EventKind names what changed.
type EventKind string

const (
	EventQueueChanged  EventKind = "queue_changed"
	EventStatusChanged EventKind = "status_changed"
	EventProgress      EventKind = "progress"
	EventCompleted     EventKind = "completed"
	EventFailed        EventKind = "failed"
	EventRejected      EventKind = "rejected"
	EventRemoved       EventKind = "removed"

	EventMetadataChanged EventKind = "metadata_changed"
)

// Event is a state change notification. Task is a copy taken at emission
// time, so later mutations never leak into an already published event.
type Event struct {
	Kind      EventKind
	Task      Task
	Percent   int
	Err       string
	Rejection Rejection
	Pending   int
	Active    int
}

// Subscription delivers events in publish order without dropping any. A slow
// reader only grows its own backlog, it never blocks the publisher.
type Subscription struct {
	id      int
	bus     *eventBus
	out     chan Event
	wake    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	pending []Event
	closed  bool
	once    sync.Once
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close unsubscribes and discards undelivered events.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) push(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}
	}
}

type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*Subscription)}
}

func (b *eventBus) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		bus:  b,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

func (b *eventBus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// publish must be called with the controller lock held so that the order of
// events matches the order of the state changes they describe.
func (b *eventBus) publish(evt Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.push(evt)
	}
}
