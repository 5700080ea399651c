package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payauth/internal/queue"
)

const dedupWindow = 5 * time.Minute

// envelope is the JSON form a message travels in through redis.
type envelope struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id"`
	DedupID      string    `json:"dedup_id,omitempty"`
	Type         string    `json:"type"`
	Body         []byte    `json:"body"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// markReady re-adds a group to the ready set only when it has pending
// messages and no delivery in flight.
var markReady = redis.NewScript(`
local busy = redis.call('SISMEMBER', KEYS[1], ARGV[1])
if busy == 1 then
	return 0
end
local len = redis.call('LLEN', KEYS[2])
if len == 0 then
	return 0
end
redis.call('ZADD', KEYS[3], 'NX', ARGV[2], ARGV[1])
return 1
`)

// Queue is a redis-backed FIFO queue with message groups. Group order is
// kept by serializing deliveries per group: a group leaves the ready set
// while one of its messages is in flight.
type Queue struct {
	name       string
	rdb        *redis.Client
	visibility time.Duration
	maxReceive int
}

type Option func(*Queue)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

func WithMaxReceiveCount(n int) Option {
	return func(q *Queue) { q.maxReceive = n }
}

func New(name string, rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		name:       name,
		rdb:        rdb,
		visibility: 45 * time.Second,
		maxReceive: 8,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(parts ...string) string {
	k := "payauth:queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) groupKey(gid string) string { return q.key("g", gid) }

func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	if msg.DedupID != "" {
		ok, err := q.rdb.SetNX(ctx, q.key("dedup", msg.DedupID), 1, dedupWindow).Result()
		if err != nil {
			return fmt.Errorf("queue dedup: %w", err)
		}
		if !ok {
			return nil
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	raw, err := json.Marshal(envelope{
		ID:         msg.ID,
		GroupID:    msg.GroupID,
		DedupID:    msg.DedupID,
		Type:       msg.Type,
		Body:       msg.Body,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, q.groupKey(msg.GroupID), raw).Err(); err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	return q.ready(ctx, msg.GroupID, float64(time.Now().UnixNano()))
}

func (q *Queue) ready(ctx context.Context, gid string, score float64) error {
	return markReady.Run(ctx,
		q.rdb,
		[]string{q.key("busy"), q.groupKey(gid), q.key("ready")},
		gid, score,
	).Err()
}

func (q *Queue) Receive(ctx context.Context) (*queue.Message, error) {
	for {
		if err := q.reclaim(ctx); err != nil {
			return nil, err
		}
		msg, err := q.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (q *Queue) tryReceive(ctx context.Context) (*queue.Message, error) {
	popped, err := q.rdb.ZPopMin(ctx, q.key("ready"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue pop group: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	gid := popped[0].Member.(string)

	raw, err := q.rdb.LPop(ctx, q.groupKey(gid)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop message: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("queue decode: %w", err)
	}
	env.ReceiveCount++

	handle := uuid.NewString()
	stored, _ := json.Marshal(env)
	deadline := time.Now().Add(q.visibility)
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.key("msg", handle), stored, q.visibility+time.Minute)
	pipe.ZAdd(ctx, q.key("inflight"), redis.Z{Score: float64(deadline.UnixNano()), Member: handle})
	pipe.SAdd(ctx, q.key("busy"), gid)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue inflight: %w", err)
	}

	return &queue.Message{
		ID:            env.ID,
		GroupID:       env.GroupID,
		DedupID:       env.DedupID,
		Type:          env.Type,
		Body:          env.Body,
		ReceiveCount:  env.ReceiveCount,
		ReceiptHandle: handle,
		EnqueuedAt:    env.EnqueuedAt,
	}, nil
}

// reclaim returns timed-out deliveries to the front of their group, or to
// the dead letter list once the receive limit is reached.
func (q *Queue) reclaim(ctx context.Context) error {
	now := time.Now().UnixNano()
	handles, err := q.rdb.ZRangeByScore(ctx, q.key("inflight"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue reclaim: %w", err)
	}
	for _, handle := range handles {
		if err := q.settle(ctx, handle, true); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	return q.settle(ctx, receiptHandle, false)
}

func (q *Queue) Nack(ctx context.Context, receiptHandle string) error {
	return q.settle(ctx, receiptHandle, true)
}

func (q *Queue) settle(ctx context.Context, handle string, redeliver bool) error {
	raw, err := q.rdb.Get(ctx, q.key("msg", handle)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue settle: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("queue settle decode: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.key("msg", handle))
	pipe.ZRem(ctx, q.key("inflight"), handle)
	pipe.SRem(ctx, q.key("busy"), env.GroupID)
	if redeliver {
		if env.ReceiveCount >= q.maxReceive {
			pipe.RPush(ctx, q.key("dlq"), raw)
		} else {
			pipe.LPush(ctx, q.groupKey(env.GroupID), raw)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue settle: %w", err)
	}
	// Earliest possible score so a redelivered group goes first.
	return q.ready(ctx, env.GroupID, 0)
}

func (q *Queue) DeadLetters(ctx context.Context) ([]queue.Message, error) {
	raws, err := q.rdb.LRange(ctx, q.key("dlq"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dlq: %w", err)
	}
	out := make([]queue.Message, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, queue.Message{
			ID:           env.ID,
			GroupID:      env.GroupID,
			DedupID:      env.DedupID,
			Type:         env.Type,
			Body:         env.Body,
			ReceiveCount: env.ReceiveCount,
			EnqueuedAt:   env.EnqueuedAt,
		})
	}
	return out, nil
}
