package gateway

import "sync"

// Listeners is an ordered set of callbacks. Emit calls them outside the
// lock so a callback may add or remove listeners.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		snapshot[i] = e.fn
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every listener
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
