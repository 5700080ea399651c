package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/payauth/internal/outbox/domain"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	idempotencyTTL = 24 * time.Hour
	pollInterval   = 100 * time.Millisecond
)

// OutboxWaker nudges the outbox relay after a commit so the queued message
// leaves within the fast-path window instead of waiting for the next tick.
type OutboxWaker interface {
	Wake()
}

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	OutboxRepo outboxdomain.Repository
	Events     *eventlog.Store
	Waiters    *WaiterRegistry
	Waker      OutboxWaker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	outboxRepo outboxdomain.Repository
	events     *eventlog.Store
	waiters    *WaiterRegistry
	waker      OutboxWaker
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		cfg:        p.Config,
		db:         p.DB,
		log:        p.Log.Named("authrequest.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		outboxRepo: p.OutboxRepo,
		events:     p.Events,
		waiters:    p.Waiters,
		waker:      p.Waker,
		obsMetrics: p.ObsMetrics,
	}
}

var _ domain.Service = (*Service)(nil)

// Authorize accepts an authorization request. The created event, the
// PENDING read model row, the outbox row and the idempotency key all commit
// in one transaction, then the call waits up to the fast-path window for
// the worker to land a terminal outcome.
func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) (*domain.AuthorizeResult, error) {
	if err := validate(&req); err != nil {
		s.countRequest("rejected")
		return nil, err
	}

	now := s.clock.Now().UTC()
	authRequestID := uuid.New()
	var replayed *domain.AuthRequestState

	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := s.repo.GetIdempotencyKey(ctx, tx, req.RestaurantID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Fingerprint != req.Fingerprint() {
				return domain.ErrIdempotencyConflict
			}
			replayed, err = s.repo.GetStateForUpdate(ctx, tx, existing.AuthRequestID)
			return err
		}
		return s.create(ctx, tx, authRequestID, req, now)
	})
	if err != nil {
		// A concurrent ingress may have won the idempotency insert. Re-read
		// and replay instead of failing the client.
		if db.IsDuplicateKeyErr(err) {
			return s.replayExisting(ctx, req)
		}
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			s.countRequest("idempotency_conflict")
		}
		return nil, err
	}

	if replayed != nil {
		s.countRequest("replayed")
		return &domain.AuthorizeResult{
			State:     replayed,
			Completed: replayed.Status.IsTerminal(),
			Replayed:  true,
		}, nil
	}

	s.countRequest("accepted")
	if s.waker != nil {
		s.waker.Wake()
	}

	return s.waitForOutcome(ctx, authRequestID)
}

func (s *Service) create(ctx context.Context, tx *gorm.DB, id uuid.UUID, req domain.AuthorizeRequest, now time.Time) error {
	payload, err := eventlog.EncodePayload(domain.AuthRequestCreatedPayload{
		AuthRequestID: id,
		RestaurantID:  req.RestaurantID,
		PaymentToken:  req.PaymentToken,
		AmountMinor:   req.AmountMinor,
		Currency:      req.Currency,
		Metadata:      req.Metadata,
		CreatedAt:     now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	meta, err := eventlog.EncodePayload(eventlog.EventMetadata{
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	event := eventlog.Event{
		AggregateID:    id,
		EventType:      domain.EventAuthRequestCreated,
		SequenceNumber: 1,
		EventData:      payload,
		Metadata:       meta,
		CreatedAt:      now,
	}
	if err := s.events.Append(ctx, tx, &event); err != nil {
		return err
	}

	var st domain.AuthRequestState
	if err := domain.Apply(&st, event.EventType, payload, event.SequenceNumber, now); err != nil {
		return err
	}
	if len(req.Metadata) > 0 {
		raw, err := eventlog.EncodePayload(req.Metadata)
		if err != nil {
			return err
		}
		st.Metadata = datatypes.JSON(raw)
	}
	if err := s.repo.InsertState(ctx, tx, &st); err != nil {
		return err
	}

	queued, err := eventlog.EncodePayload(domain.QueuedMessage{
		AuthRequestID: id,
		RestaurantID:  req.RestaurantID,
		CreatedAt:     now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := s.outboxRepo.Insert(ctx, tx, &outboxdomain.Message{
		ID:            s.genID.Generate(),
		Destination:   s.cfg.AuthQueueName,
		MessageGroup:  id.String(),
		DedupKey:      id.String() + ":1",
		MessageType:   domain.EventAuthRequestCreated,
		Payload:       datatypes.JSON(queued),
		NextAttemptAt: now,
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	return s.repo.InsertIdempotencyKey(ctx, tx, &domain.IdempotencyKey{
		RestaurantID:   req.RestaurantID,
		IdempotencyKey: req.IdempotencyKey,
		AuthRequestID:  id,
		Fingerprint:    req.Fingerprint(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(idempotencyTTL),
	})
}

func (s *Service) replayExisting(ctx context.Context, req domain.AuthorizeRequest) (*domain.AuthorizeResult, error) {
	var state *domain.AuthRequestState
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := s.repo.GetIdempotencyKey(ctx, tx, req.RestaurantID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrNotFound
		}
		if existing.Fingerprint != req.Fingerprint() {
			return domain.ErrIdempotencyConflict
		}
		state, err = s.repo.GetStateForUpdate(ctx, tx, existing.AuthRequestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.countRequest("replayed")
	return &domain.AuthorizeResult{
		State:     state,
		Completed: state.Status.IsTerminal(),
		Replayed:  true,
	}, nil
}

// waitForOutcome blocks until the aggregate reaches a terminal status or
// the fast-path window elapses. Notification covers the same-process
// deployment; the poll covers a split one.
func (s *Service) waitForOutcome(ctx context.Context, id uuid.UUID) (*domain.AuthorizeResult, error) {
	done := s.waiters.Subscribe(id)
	defer s.waiters.Unsubscribe(id, done)

	deadline := time.NewTimer(s.cfg.FastPathWait)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		st, err := s.repo.GetState(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status.IsTerminal() {
			if s.obsMetrics != nil {
				s.obsMetrics.FastPathHits.Inc()
			}
			return &domain.AuthorizeResult{State: st, Completed: true}, nil
		}

		select {
		case <-ctx.Done():
			return &domain.AuthorizeResult{State: st}, nil
		case <-deadline.C:
			if s.obsMetrics != nil {
				s.obsMetrics.FastPathTimeouts.Inc()
			}
			return &domain.AuthorizeResult{State: st}, nil
		case <-done:
		case <-poll.C:
		}
	}
}

func (s *Service) GetStatus(ctx context.Context, restaurantID, authRequestID uuid.UUID) (*domain.AuthRequestState, error) {
	st, err := s.repo.GetState(ctx, authRequestID)
	if err != nil {
		return nil, err
	}
	if st.RestaurantID != restaurantID {
		return nil, domain.ErrNotFound
	}
	return st, nil
}

// RequestVoid records void intent. A not-yet-terminal request gets an
// AuthVoidRequested event the worker honors before calling the processor;
// an AUTHORIZED one additionally queues a processor void.
func (s *Service) RequestVoid(ctx context.Context, restaurantID, authRequestID uuid.UUID, reason string) (*domain.AuthRequestState, error) {
	now := s.clock.Now().UTC()
	var state *domain.AuthRequestState

	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		st, err := s.repo.GetStateForUpdate(ctx, tx, authRequestID)
		if err != nil {
			return err
		}
		if st.RestaurantID != restaurantID {
			return domain.ErrNotFound
		}
		state = st

		switch st.Status {
		case domain.StatusVoided:
			return nil
		case domain.StatusDenied, domain.StatusFailed, domain.StatusExpired:
			return domain.ErrNotVoidable
		}

		// A repeated void is a replay, not a second intent. The outbox dedup
		// key guards the queue side; this guards the event log.
		has, err := s.events.HasEvent(ctx, tx, authRequestID, domain.EventAuthVoidRequested)
		if err != nil {
			return err
		}
		if has {
			return nil
		}

		payload, err := eventlog.EncodePayload(domain.AuthVoidRequestedPayload{
			AuthRequestID: authRequestID,
			Reason:        reason,
			RequestedAt:   now.UnixMilli(),
		})
		if err != nil {
			return err
		}
		seq, err := s.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: authRequestID,
			EventType:   domain.EventAuthVoidRequested,
			EventData:   payload,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := domain.Apply(st, domain.EventAuthVoidRequested, payload, seq, now); err != nil {
			return err
		}
		if err := s.repo.SaveState(ctx, tx, st); err != nil {
			return err
		}

		if st.Status != domain.StatusAuthorized {
			return nil
		}
		queued, err := eventlog.EncodePayload(domain.VoidQueuedMessage{
			AuthRequestID: authRequestID,
			RestaurantID:  restaurantID,
			Reason:        reason,
			RequestedAt:   now.UnixMilli(),
		})
		if err != nil {
			return err
		}
		return s.outboxRepo.Insert(ctx, tx, &outboxdomain.Message{
			ID:            s.genID.Generate(),
			Destination:   s.cfg.VoidQueueName,
			MessageGroup:  authRequestID.String(),
			DedupKey:      authRequestID.String() + ":void",
			MessageType:   domain.EventAuthVoidRequested,
			Payload:       datatypes.JSON(queued),
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	if s.waker != nil && state.Status == domain.StatusAuthorized {
		s.waker.Wake()
	}
	return state, nil
}

func (s *Service) countRequest(result string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.AuthRequests.WithLabelValues(result).Inc()
}

func validate(req *domain.AuthorizeRequest) error {
	if req.RestaurantID == uuid.Nil {
		return domain.ErrInvalidRestaurant
	}
	if req.AmountMinor <= 0 {
		return domain.ErrInvalidAmount
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return domain.ErrInvalidCurrency
	}
	for _, r := range req.Currency {
		if r < 'A' || r > 'Z' {
			return domain.ErrInvalidCurrency
		}
	}
	req.PaymentToken = strings.TrimSpace(req.PaymentToken)
	if req.PaymentToken == "" || !strings.HasPrefix(req.PaymentToken, "pt_") {
		return domain.ErrInvalidPaymentToken
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return domain.ErrMissingIdempotencyKey
	}
	return nil
}
