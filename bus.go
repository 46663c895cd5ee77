package voicechat

import (
	"sync"
)

type EventHandler func(event Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// Bus is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventName][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventName][]subscription)}
}

// Subscribe registers handler for name and returns its unsubscribe func.
// Calling the returned func more than once is harmless.
func (b *Bus) Subscribe(name EventName, handler EventHandler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

// SubscribeAll registers handler for every known event name.
func (b *Bus) SubscribeAll(handler EventHandler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(AllEvents))
	for _, name := range AllEvents {
		unsubs = append(unsubs, b.Subscribe(name, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) remove(name EventName, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.subs[event.Name()]
	handlers := make([]EventHandler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Len reports the number of handlers registered for name.
func (b *Bus) Len(name EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// On subscribes a handler typed to one payload.
func On[T Event](b *Bus, handler func(T)) (unsubscribe func()) {
	var zero T
	return b.Subscribe(zero.Name(), func(event Event) {
		if e, ok := event.(T); ok {
			handler(e)
		}
	})
}
