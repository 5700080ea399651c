package service

import (
	"sync"

	"github.com/google/uuid"
)

// WaiterRegistry lets an ingress request block until the worker records a
// terminal outcome for its aggregate, when both run in the same process.
// Split deployments fall back to polling; missing a notification is safe
// because the waiter always re-reads the read model.
type WaiterRegistry struct {
	mu      sync.Mutex
	waiters map[uuid.UUID][]chan struct{}
}

func NewWaiterRegistry() *WaiterRegistry {
	return &WaiterRegistry{waiters: make(map[uuid.UUID][]chan struct{})}
}

// Subscribe registers interest in an aggregate. The returned channel closes
// on the next Notify. Callers must Unsubscribe when done.
func (w *WaiterRegistry) Subscribe(id uuid.UUID) chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters[id] = append(w.waiters[id], ch)
	w.mu.Unlock()
	return ch
}

func (w *WaiterRegistry) Unsubscribe(id uuid.UUID, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.waiters[id]
	for i, sub := range subs {
		if sub == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(w.waiters, id)
		return
	}
	w.waiters[id] = subs
}

// Notify wakes every waiter for the aggregate. Called by the worker after
// committing a terminal event.
func (w *WaiterRegistry) Notify(id uuid.UUID) {
	w.mu.Lock()
	subs := w.waiters[id]
	delete(w.waiters, id)
	w.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
