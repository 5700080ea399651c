package relay

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/observability/metrics"
	"github.com/smallbiznis/payauth/internal/outbox/domain"
	"github.com/smallbiznis/payauth/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 5 * time.Minute
)

// Relay drains the outbox into the queue registry. Delivery is at least
// once: a row is marked processed only after the queue accepted it, so a
// crash between publish and mark replays the row. Queue-side dedup absorbs
// the duplicate.
type Relay struct {
	repo     domain.Repository
	registry *queue.Registry
	metrics  *metrics.Metrics
	log      *zap.Logger

	interval  time.Duration
	batchSize int
	wakeup    chan struct{}
}

type Params struct {
	fx.In

	Config   config.Config
	Repo     domain.Repository
	Registry *queue.Registry
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func New(p Params) *Relay {
	return &Relay{
		repo:      p.Repo,
		registry:  p.Registry,
		metrics:   p.Metrics,
		log:       p.Logger.Named("outbox.relay"),
		interval:  p.Config.OutboxInterval,
		batchSize: p.Config.OutboxBatchSize,
		wakeup:    make(chan struct{}, 1),
	}
}

// Wake nudges the relay to drain immediately instead of waiting for the
// next tick. Called by the ingress after committing an outbox row.
func (r *Relay) Wake() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wakeup:
		}
	}
}

// drain claims due rows and publishes them until the backlog is empty or
// the context ends.
func (r *Relay) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := r.repo.ClaimBatch(ctx, r.batchSize, time.Now().UTC())
		if err != nil {
			r.log.Error("claim outbox batch", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			r.dispatch(ctx, &batch[i])
		}
		if len(batch) < r.batchSize {
			return
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, msg *domain.Message) {
	now := time.Now().UTC()

	q, ok := r.registry.Lookup(msg.Destination)
	if !ok {
		// Routing bug, not a transient failure. Retrying forever would jam
		// the relay, so record and settle the row.
		r.metrics.OutboxDropped.Inc()
		r.log.Error("no queue registered for destination, dropping",
			zap.String("destination", msg.Destination),
			zap.String("message_type", msg.MessageType),
			zap.Int64("outbox_id", int64(msg.ID)),
		)
		if err := r.repo.MarkProcessed(ctx, msg.ID, now); err != nil {
			r.log.Error("mark dropped outbox row", zap.Error(err))
		}
		return
	}

	err := q.Publish(ctx, queue.Message{
		ID:      msg.ID.String(),
		GroupID: msg.MessageGroup,
		DedupID: msg.DedupKey,
		Type:    msg.MessageType,
		Body:    msg.Payload,
	})
	if err != nil {
		attempts := msg.Attempts + 1
		next := now.Add(backoff(attempts))
		r.metrics.OutboxRetried.Inc()
		r.log.Warn("publish outbox row failed, rescheduling",
			zap.Error(err),
			zap.Int64("outbox_id", int64(msg.ID)),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
		)
		if err := r.repo.Reschedule(ctx, msg.ID, attempts, next); err != nil {
			r.log.Error("reschedule outbox row", zap.Error(err))
		}
		return
	}

	r.metrics.OutboxPublished.Inc()
	if err := r.repo.MarkProcessed(ctx, msg.ID, now); err != nil {
		r.log.Error("mark outbox row processed", zap.Error(err))
	}
}

// backoff is exponential with full jitter, capped at maxBackoff.
func backoff(attempts int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempts-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
