package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

type listener struct {
	id uint64
	fn func(Event)
}

// Bus fans events out to subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	byKind map[Kind][]listener
	all    []listener
}

// NewBus returns an empty bus. A nil logger falls back to slog.Default().
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, byKind: make(map[Kind][]listener)}
}

// Subscribe registers fn for events of type E and returns its unsubscribe function.
// E must be one of the payload value types (QR, Connected, ...).
func Subscribe[E Event](b *Bus, fn func(E)) (unsubscribe func()) {
	var zero E
	if any(zero) == nil {
		panic("events: Subscribe needs a concrete payload type")
	}
	kind := zero.Kind()
	return b.add(kind, func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(Event)) (unsubscribe func()) {
	return b.add(0, fn)
}

func (b *Bus) add(kind Kind, fn func(Event)) func() {
	if b == nil || fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	l := listener{id: b.nextID, fn: fn}
	// Listener slices are copy-on-write so Publish can iterate a snapshot without holding the lock.
	if kind == 0 {
		b.all = append(slices.Clip(b.all), l)
	} else {
		b.byKind[kind] = append(slices.Clip(b.byKind[kind]), l)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, l.id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drop := func(ls []listener) []listener {
		return slices.DeleteFunc(slices.Clone(ls), func(l listener) bool { return l.id == id })
	}
	if kind == 0 {
		b.all = drop(b.all)
		return
	}
	b.byKind[kind] = drop(b.byKind[kind])
	if len(b.byKind[kind]) == 0 {
		delete(b.byKind, kind)
	}
}

// Publish delivers ev to the subscribers of its kind, then to SubscribeAll subscribers.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}

	b.mu.RLock()
	typed, all := b.byKind[ev.Kind()], b.all
	b.mu.RUnlock()

	for _, l := range typed {
		b.call(l, ev)
	}
	for _, l := range all {
		b.call(l, ev)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.all)
	for _, ls := range b.byKind {
		n += len(ls)
	}
	return n
}

func (b *Bus) call(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("events.listener.panic",
				"kind", ev.Kind().String(),
				"session_id", ev.Session(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	l.fn(ev)
}
