package client

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lalith-99/huddle/internal/models"
)

// Event is what a Manager reports to its listeners. The set is closed:
// a type switch over the types below is exhaustive.
type Event interface{ isClientEvent() }

type (
	// Connected follows a successful Connect, after channel joins were
	// replayed.
	Connected struct{}

	// Disconnected is reported on an explicit Disconnect (Err nil) and when
	// reconnection gives up (Terminal true). After a terminal disconnect only
	// an explicit Connect starts over.
	Disconnected struct {
		Err      error
		Terminal bool
	}

	// Reconnecting precedes each reconnection attempt. Err is why the
	// previous connection or attempt failed.
	Reconnecting struct {
		Attempt int
		Err     error
	}

	Reconnected struct{}

	MessageReceived struct{ Message models.Message }

	UserJoined struct{ UserID, ChannelID uuid.UUID }

	UserLeft struct{ UserID, ChannelID uuid.UUID }
)

func (Connected) isClientEvent()       {}
func (Disconnected) isClientEvent()    {}
func (Reconnecting) isClientEvent()    {}
func (Reconnected) isClientEvent()     {}
func (MessageReceived) isClientEvent() {}
func (UserJoined) isClientEvent()      {}
func (UserLeft) isClientEvent()        {}

// dispatcher delivers events to listeners in emission order on one
// goroutine. emit never blocks, so the read loop and listeners that call
// back into the Manager can't deadlock on it.
type dispatcher struct {
	mu        sync.Mutex
	queue     []Event
	listeners map[int]func(Event)
	nextID    int

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		listeners: make(map[int]func(Event)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.exited)
	for {
		select {
		case <-d.notify:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]

		ids := make([]int, 0, len(d.listeners))
		for id := range d.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fns := make([]func(Event), len(ids))
		for i, id := range ids {
			fns[i] = d.listeners[id]
		}
		d.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// stop delivers what is queued and stops the goroutine.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
	<-d.exited
}
