package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnknownQueue is returned when publishing to a name nothing registered.
var ErrUnknownQueue = errors.New("unknown_queue")

// Message is one delivery. ReceiveCount counts deliveries including this
// one; ReceiptHandle settles exactly this delivery, not later redeliveries.
type Message struct {
	ID            string
	GroupID       string
	DedupID       string
	Type          string
	Body          []byte
	ReceiveCount  int
	ReceiptHandle string
	EnqueuedAt    time.Time
}

// Publisher enqueues messages. Messages sharing a GroupID are delivered in
// FIFO order, one in flight per group at a time.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer receives and settles messages. Receive blocks until a message is
// available or the context is done. An unsettled message becomes visible
// again after the visibility timeout with ReceiveCount incremented.
type Consumer interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, receiptHandle string) error
	Nack(ctx context.Context, receiptHandle string) error
}

// Queue is a named FIFO queue with dedup and a dead letter drain.
type Queue interface {
	Publisher
	Consumer
	Name() string
	DeadLetters(ctx context.Context) ([]Message, error)
}

// AuthQueue and VoidQueue name the two queue bindings for injection.
type AuthQueue struct{ Queue }

type VoidQueue struct{ Queue }

// Registry resolves destination names to queues. The outbox relay publishes
// through it; a destination with no queue is a routing error.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]Queue)}
}

func (r *Registry) Register(q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Name()] = q
}

func (r *Registry) Lookup(name string) (Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

func (r *Registry) Publish(ctx context.Context, destination string, msg Message) error {
	q, ok := r.Lookup(destination)
	if !ok {
		return ErrUnknownQueue
	}
	return q.Publish(ctx, msg)
}
