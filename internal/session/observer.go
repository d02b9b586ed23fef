package session

import (
	"sync"

	"netprobe/internal/models"
)

// EventKind distinguishes result events from lifecycle events.
type EventKind int

const (
	EventResult EventKind = iota
	EventStatus
)

// Event is one notification delivered to an observer. Result is a copy
// owned by the receiver.
type Event struct {
	Kind        EventKind
	Result      *models.PortResult
	Status      Status
	Completed   int
	Total       int
	Progress    float64
	CurrentPort int
}

// observer queues events without bound so Record never blocks on a slow
// reader; a pump goroutine feeds the channel in order.
type observer struct {
	ch     chan Event
	notify chan struct{}
	queue  []Event
	closed bool
	mu     sync.Mutex
}

func newObserver() *observer {
	o := &observer{
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
	}
	go o.pump()
	return o
}

func (o *observer) push(e Event) {
	o.mu.Lock()
	o.queue = append(o.queue, e)
	o.mu.Unlock()
	o.wake()
}

func (o *observer) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *observer) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *observer) pump() {
	defer close(o.ch)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.notify
			continue
		}
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.ch <- next
	}
}

// Subscribe returns a channel that receives every event from now on, in
// order, and is closed after the terminal status event. Subscribing to a
// terminal session yields a single status event. Readers must drain the
// channel to release its goroutine.
func (s *Session) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := newObserver()
	if s.status.Terminal() {
		o.push(Event{
			Kind:      EventStatus,
			Status:    s.status,
			Completed: len(s.results),
			Total:     s.summary.Total,
			Progress:  s.progressLocked(),
		})
		o.close()
		return o.ch
	}
	s.observers = append(s.observers, o)
	return o.ch
}

func (s *Session) publishLocked(e Event) {
	for _, o := range s.observers {
		o.push(e)
	}
}
