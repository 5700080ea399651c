package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/queue"
)

const dedupWindow = 5 * time.Minute

type entry struct {
	msg          queue.Message
	receiveCount int

	// delivery bookkeeping, set while in flight
	handle   string
	deadline time.Time
}

// Queue is an in-process FIFO queue with message groups, a deduplication
// window, visibility timeouts and a dead letter buffer. It backs the
// all-in-one deployment and the test rig.
type Queue struct {
	name       string
	visibility time.Duration
	maxReceive int

	mu       sync.Mutex
	pending  []*entry
	inflight map[string]*entry // keyed by group id, one per group
	dedup    map[string]time.Time
	dead     []queue.Message
	notify   chan struct{}
}

type Option func(*Queue)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

func WithMaxReceiveCount(n int) Option {
	return func(q *Queue) { q.maxReceive = n }
}

func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:       name,
		visibility: 45 * time.Second,
		maxReceive: 8,
		inflight:   make(map[string]*entry),
		dedup:      make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if msg.DedupID != "" {
		if seen, ok := q.dedup[msg.DedupID]; ok && now.Sub(seen) < dedupWindow {
			return nil
		}
		q.dedup[msg.DedupID] = now
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.EnqueuedAt = now
	q.pending = append(q.pending, &entry{msg: msg})
	q.wake()
	return nil
}

// Receive blocks until a deliverable message exists. A group with a message
// in flight is skipped so per-group FIFO order holds across redeliveries.
func (q *Queue) Receive(ctx context.Context) (*queue.Message, error) {
	for {
		q.mu.Lock()
		q.reclaimExpired(time.Now())
		if e := q.takeDeliverable(); e != nil {
			msg := e.msg
			msg.ReceiveCount = e.receiveCount
			msg.ReceiptHandle = e.handle
			q.mu.Unlock()
			return &msg, nil
		}
		wait := q.nextDeadlineWait()
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for group, e := range q.inflight {
		if e.handle == receiptHandle {
			delete(q.inflight, group)
			q.wake()
			return nil
		}
	}
	return nil
}

// Nack makes the delivery visible again immediately, at the front of its
// group. A message past the receive limit moves to the dead letter buffer.
func (q *Queue) Nack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for group, e := range q.inflight {
		if e.handle != receiptHandle {
			continue
		}
		delete(q.inflight, group)
		q.requeueOrBury(e)
		q.wake()
		return nil
	}
	return nil
}

func (q *Queue) DeadLetters(ctx context.Context) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Message, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// takeDeliverable pops the oldest pending entry whose group is idle and
// marks it in flight. Caller holds the lock.
func (q *Queue) takeDeliverable() *entry {
	for i, e := range q.pending {
		if _, busy := q.inflight[e.msg.GroupID]; busy {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		e.receiveCount++
		e.handle = uuid.NewString()
		e.deadline = time.Now().Add(q.visibility)
		q.inflight[e.msg.GroupID] = e
		return e
	}
	return nil
}

// reclaimExpired returns timed-out in-flight entries to the front of the
// pending list. Caller holds the lock.
func (q *Queue) reclaimExpired(now time.Time) {
	for group, e := range q.inflight {
		if e.deadline.After(now) {
			continue
		}
		delete(q.inflight, group)
		q.requeueOrBury(e)
	}
}

func (q *Queue) requeueOrBury(e *entry) {
	if e.receiveCount >= q.maxReceive {
		q.dead = append(q.dead, e.msg)
		return
	}
	q.pending = append([]*entry{e}, q.pending...)
}

func (q *Queue) nextDeadlineWait() time.Duration {
	wait := time.Second
	now := time.Now()
	for _, e := range q.inflight {
		if d := e.deadline.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
