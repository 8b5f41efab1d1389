package firecontrol

import "sync"

type EventKind int

const (
	EventStatus EventKind = iota
	EventInfo
	EventConnection
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventInfo:
		return "info"
	}
	return "connection"
}

// Event is delivered to subscribers. Only the field matching Kind is set,
// apart from Err which may accompany a connection event.
type Event struct {
	Kind   EventKind
	Status Status
	Info   DeviceInfo
	State  ConnState
	Err    error
}

const callbackBuffer = 16

// broadcaster fans events out to any number of subscribers plus the single
// callback slot.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	next     int
	callback chan Status
	dropped  func()
}

func newBroadcaster(dropped func()) *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event), dropped: dropped}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// setCallback runs fn on its own goroutine, one snapshot at a time. The
// previous callback stops after draining what was already queued for it.
func (b *broadcaster) setCallback(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callback != nil {
		close(b.callback)
		b.callback = nil
	}
	if fn == nil {
		return
	}

	ch := make(chan Status, callbackBuffer)
	b.callback = ch
	go func() {
		for st := range ch {
			fn(st)
		}
	}()
}

// publish never blocks: a subscriber or callback whose buffer is full
// misses the event.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		offer(b, ch, ev)
	}
	if b.callback != nil && ev.Kind == EventStatus {
		offer(b, b.callback, ev.Status)
	}
}

func offer[T any](b *broadcaster, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		if b.dropped != nil {
			b.dropped()
		}
	}
}
