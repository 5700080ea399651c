package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	authservice "github.com/smallbiznis/payauth/internal/authrequest/service"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/lock"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	"github.com/smallbiznis/payauth/internal/processor/adapters"
	procdomain "github.com/smallbiznis/payauth/internal/processor/domain"
	"github.com/smallbiznis/payauth/internal/queue"
	"github.com/smallbiznis/payauth/internal/tokenstore"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	tsservice "github.com/smallbiznis/payauth/internal/tokenstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "auth-processor-worker"

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	AuthQueue  queue.AuthQueue
	Locks      *lock.Manager
	Repo       authdomain.Repository
	ConfigRepo pcdomain.Repository
	Events     *eventlog.Store
	Registry   *adapters.Registry
	Decryptor  tokenstore.Decryptor
	Waiters    *authservice.WaiterRegistry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Worker drains the authorization queue. Each message is processed under a
// per-aggregate lock, calls the processor at most once, and records the
// terminal outcome atomically with its event.
type Worker struct {
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	queue      queue.AuthQueue
	locks      *lock.Manager
	repo       authdomain.Repository
	configRepo pcdomain.Repository
	events     *eventlog.Store
	registry   *adapters.Registry
	decryptor  tokenstore.Decryptor
	waiters    *authservice.WaiterRegistry
	obsMetrics *obsmetrics.Metrics

	workerID string
}

func New(p Params) *Worker {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Worker{
		cfg:        p.Config,
		log:        p.Log.Named("worker"),
		clock:      p.Clock,
		queue:      p.AuthQueue,
		locks:      p.Locks,
		repo:       p.Repo,
		configRepo: p.ConfigRepo,
		events:     p.Events,
		registry:   p.Registry,
		decryptor:  p.Decryptor,
		waiters:    p.Waiters,
		obsMetrics: p.ObsMetrics,
		workerID:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

func (w *Worker) WorkerID() string { return w.workerID }

// Run consumes until the context ends, with the configured concurrency.
func (w *Worker) Run(ctx context.Context) {
	concurrency := w.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("receive auth message", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	var queued authdomain.QueuedMessage
	if err := json.Unmarshal(msg.Body, &queued); err != nil {
		w.log.Error("malformed auth message, dropping",
			zap.Error(err),
			zap.String("message_id", msg.ID),
		)
		_ = w.queue.Ack(ctx, msg.ReceiptHandle)
		return
	}

	log := w.log.With(
		zap.String("auth_request_id", queued.AuthRequestID.String()),
		zap.Int("receive_count", msg.ReceiveCount),
	)

	done, err := w.process(ctx, queued, log)
	if err != nil {
		log.Error("process auth request", zap.Error(err))
	}
	if done {
		if err := w.queue.Ack(ctx, msg.ReceiptHandle); err != nil {
			log.Error("ack auth message", zap.Error(err))
		}
		return
	}
	if err := w.queue.Nack(ctx, msg.ReceiptHandle); err != nil {
		log.Error("nack auth message", zap.Error(err))
	}
}

// process runs one attempt. The bool return decides settlement: true acks
// the delivery, false returns it for redelivery.
func (w *Worker) process(ctx context.Context, queued authdomain.QueuedMessage, log *zap.Logger) (bool, error) {
	id := queued.AuthRequestID

	lockKey := "auth:" + id.String()
	acquired, err := w.locks.Acquire(ctx, lockKey, w.workerID)
	if err != nil {
		return false, err
	}
	if !acquired {
		log.Info("aggregate locked by another worker, retrying later")
		return false, nil
	}
	defer func() {
		if err := w.locks.Release(context.WithoutCancel(ctx), lockKey, w.workerID); err != nil {
			log.Error("release processing lock", zap.Error(err))
		}
	}()

	state, err := w.repo.GetState(ctx, id)
	if err != nil {
		if errors.Is(err, authdomain.ErrNotFound) {
			log.Error("auth request state missing, dropping message")
			return true, nil
		}
		return false, err
	}
	if state.Status.IsTerminal() {
		return true, nil
	}

	// Void race: a void that arrived before any processor call wins, and
	// the card is never charged.
	voided, err := w.voidRaceCheck(ctx, id, log)
	if err != nil {
		return false, err
	}
	if voided {
		return true, nil
	}

	cfg, cfgErr := w.configRepo.Get(ctx, state.RestaurantID)
	var configVersion string
	if cfgErr == nil {
		configVersion = cfg.ConfigVersion
	}
	if err := w.recordAttemptStarted(ctx, id, configVersion); err != nil {
		if errors.Is(err, eventlog.ErrSequenceConflict) {
			// Another writer advanced the aggregate. Re-read and settle.
			return w.settleAfterConflict(ctx, id)
		}
		return false, err
	}

	// The retry budget counts processing attempts from the aggregate's own
	// history. Lock-contention redeliveries never reach here, so deferring
	// to another worker costs nothing.
	attempt := state.RetryCount + 1

	result, procErr := w.authorize(ctx, state, cfg, cfgErr, log)
	if procErr != nil {
		return w.recordAttemptError(ctx, id, attempt, procErr, log)
	}

	if err := w.recordResponse(ctx, id, result); err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return true, nil
		}
		return false, err
	}
	if w.obsMetrics != nil {
		w.obsMetrics.AuthOutcomes.WithLabelValues(string(statusOf(result))).Inc()
	}
	w.waiters.Notify(id)
	return true, nil
}

// authorize resolves card data and makes the processor call with the config
// the attempt was started under.
func (w *Worker) authorize(ctx context.Context, state *authdomain.AuthRequestState, cfg *pcdomain.RestaurantPaymentConfig, cfgErr error, log *zap.Logger) (*procdomain.AuthorizationResult, error) {
	if cfgErr != nil {
		if errors.Is(cfgErr, pcdomain.ErrConfigNotFound) {
			return nil, procdomain.Fatal("config_missing", cfgErr)
		}
		return nil, procdomain.Transient("config_fetch", cfgErr)
	}

	var processorConfig map[string]any
	if len(cfg.ProcessorConfig) > 0 {
		if err := json.Unmarshal(cfg.ProcessorConfig, &processorConfig); err != nil {
			return nil, procdomain.Fatal("config_invalid", err)
		}
	}
	adapter, err := w.registry.NewAdapter(cfg.ProcessorName, procdomain.AdapterConfig{
		RestaurantID: state.RestaurantID.String(),
		Config:       processorConfig,
	})
	if err != nil {
		return nil, procdomain.Fatal("config_invalid", err)
	}

	card, err := w.decryptor.Decrypt(ctx, tsservice.DecryptRequest{
		RestaurantID: state.RestaurantID,
		ServiceName:  serviceName,
		TokenID:      state.PaymentToken,
		RequestID:    state.AuthRequestID.String(),
	})
	if err != nil {
		switch {
		case errors.Is(err, tsdomain.ErrTokenNotFound),
			errors.Is(err, tsdomain.ErrTokenExpired):
			return nil, procdomain.Fatal("token_unavailable", err)
		case errors.Is(err, tsdomain.ErrDecryptForbidden):
			return nil, procdomain.Fatal("token_forbidden", err)
		default:
			return nil, procdomain.Transient("token_fetch", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessorTimeout)
	defer cancel()

	started := time.Now()
	result, err := adapter.Authorize(callCtx, procdomain.AuthorizationRequest{
		AuthRequestID:       state.AuthRequestID.String(),
		AmountMinor:         state.AmountMinor,
		Currency:            state.Currency,
		StatementDescriptor: cfg.StatementDescriptor,
		Payment: procdomain.PaymentData{
			CardNumber:     card.CardNumber,
			ExpiryMonth:    card.ExpiryMonth,
			ExpiryYear:     card.ExpiryYear,
			CVV:            card.CVV,
			CardholderName: card.CardholderName,
			PostalCode:     card.PostalCode,
		},
	})
	elapsed := time.Since(started)
	if w.obsMetrics != nil {
		outcome := "error"
		if err == nil {
			outcome = string(statusOf(result))
		}
		w.obsMetrics.ObserveProcessorCall(cfg.ProcessorName, outcome, elapsed)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, procdomain.Transient("timeout", err)
		}
		return nil, err
	}
	log.Info("processor responded",
		zap.String("processor", cfg.ProcessorName),
		zap.String("status", string(statusOf(result))),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

var errAlreadyTerminal = errors.New("aggregate already terminal")

func (w *Worker) voidRaceCheck(ctx context.Context, id uuid.UUID, log *zap.Logger) (bool, error) {
	var voided bool
	err := w.repo.Transaction(ctx, func(tx *gorm.DB) error {
		has, err := w.events.HasEvent(ctx, tx, id, authdomain.EventAuthVoidRequested)
		if err != nil || !has {
			return err
		}
		st, err := w.repo.GetStateForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status.IsTerminal() {
			voided = true
			return nil
		}
		now := w.clock.Now().UTC()
		payload, err := eventlog.EncodePayload(authdomain.AuthRequestExpiredPayload{
			AuthRequestID: id,
			Reason:        "void_before_auth",
			ExpiredAt:     now.UnixMilli(),
		})
		if err != nil {
			return err
		}
		seq, err := w.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: id,
			EventType:   authdomain.EventAuthRequestExpired,
			EventData:   payload,
			Metadata:    w.eventMeta(),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := authdomain.Apply(st, authdomain.EventAuthRequestExpired, payload, seq, now); err != nil {
			return err
		}
		if err := w.repo.SaveState(ctx, tx, st); err != nil {
			return err
		}
		voided = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if voided {
		log.Info("void requested before authorization, expiring without processor call")
		if w.obsMetrics != nil {
			w.obsMetrics.AuthOutcomes.WithLabelValues(string(authdomain.StatusExpired)).Inc()
		}
		w.waiters.Notify(id)
	}
	return voided, nil
}

func (w *Worker) recordAttemptStarted(ctx context.Context, id uuid.UUID, configVersion string) error {
	now := w.clock.Now().UTC()
	payload, err := eventlog.EncodePayload(authdomain.AuthAttemptStartedPayload{
		AuthRequestID: id,
		WorkerID:      w.workerID,
		ConfigVersion: configVersion,
		StartedAt:     now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return w.repo.Transaction(ctx, func(tx *gorm.DB) error {
		st, err := w.repo.GetStateForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		seq, err := w.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: id,
			EventType:   authdomain.EventAuthAttemptStarted,
			EventData:   payload,
			Metadata:    w.eventMeta(),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := authdomain.Apply(st, authdomain.EventAuthAttemptStarted, payload, seq, now); err != nil {
			return err
		}
		return w.repo.SaveState(ctx, tx, st)
	})
}

// recordResponse lands the processor's answer and the read model update in
// one transaction.
func (w *Worker) recordResponse(ctx context.Context, id uuid.UUID, result *procdomain.AuthorizationResult) error {
	now := w.clock.Now().UTC()
	payload, err := eventlog.EncodePayload(authdomain.AuthResponseReceivedPayload{
		AuthRequestID: id,
		Status:        statusOf(result),
		Result: authdomain.AuthResultPayload{
			ProcessorName:     result.ProcessorName,
			ProcessorAuthID:   result.ProcessorAuthID,
			AuthorizationCode: result.AuthorizationCode,
			AuthorizedAmount:  result.AuthorizedAmount,
			Currency:          result.Currency,
			AuthorizedAt:      result.AuthorizedAt.UnixMilli(),
			DenialCode:        result.DenialCode,
			DenialReason:      result.DenialReason,
		},
		ReceivedAt: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return w.repo.Transaction(ctx, func(tx *gorm.DB) error {
		st, err := w.repo.GetStateForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		seq, err := w.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: id,
			EventType:   authdomain.EventAuthResponseReceived,
			EventData:   payload,
			Metadata:    w.eventMeta(),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := authdomain.Apply(st, authdomain.EventAuthResponseReceived, payload, seq, now); err != nil {
			return err
		}
		return w.repo.SaveState(ctx, tx, st)
	})
}

// recordAttemptError translates a classified processor error into either a
// retryable attempt failure or a terminal FAILED record. A transient error
// on the last allowed attempt escalates as max_retries_exceeded.
func (w *Worker) recordAttemptError(ctx context.Context, id uuid.UUID, attempt int, procErr error, log *zap.Logger) (bool, error) {
	transient := procdomain.IsTransient(procErr)
	retryable := transient && attempt < w.cfg.MaxRetries
	code := errorCode(procErr)
	if transient && !retryable {
		code = "max_retries_exceeded"
	}

	err := w.recordFailure(ctx, id, code, procErr.Error(), retryable, attempt)
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return true, nil
		}
		return false, err
	}

	if retryable {
		log.Warn("attempt failed, will retry",
			zap.String("error_code", code),
			zap.Error(procErr),
		)
		return false, nil
	}
	log.Warn("attempt failed terminally",
		zap.String("error_code", code),
		zap.Error(procErr),
	)
	return true, nil
}

func (w *Worker) recordFailure(ctx context.Context, id uuid.UUID, code, message string, retryable bool, retryCount int) error {
	now := w.clock.Now().UTC()
	payload, err := eventlog.EncodePayload(authdomain.AuthAttemptFailedPayload{
		AuthRequestID: id,
		ErrorCode:     code,
		ErrorMessage:  message,
		IsRetryable:   retryable,
		RetryCount:    retryCount,
		FailedAt:      now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	err = w.repo.Transaction(ctx, func(tx *gorm.DB) error {
		st, err := w.repo.GetStateForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		seq, err := w.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: id,
			EventType:   authdomain.EventAuthAttemptFailed,
			EventData:   payload,
			Metadata:    w.eventMeta(),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := authdomain.Apply(st, authdomain.EventAuthAttemptFailed, payload, seq, now); err != nil {
			return err
		}
		return w.repo.SaveState(ctx, tx, st)
	})
	if err != nil {
		return err
	}
	if !retryable {
		if w.obsMetrics != nil {
			w.obsMetrics.AuthOutcomes.WithLabelValues(string(authdomain.StatusFailed)).Inc()
		}
		w.waiters.Notify(id)
	}
	return nil
}

func (w *Worker) settleAfterConflict(ctx context.Context, id uuid.UUID) (bool, error) {
	st, err := w.repo.GetState(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Status.IsTerminal(), nil
}

func (w *Worker) eventMeta() []byte {
	meta, _ := eventlog.EncodePayload(eventlog.EventMetadata{WorkerID: w.workerID})
	return meta
}

func statusOf(result *procdomain.AuthorizationResult) authdomain.Status {
	if result.Status == procdomain.StatusAuthorized {
		return authdomain.StatusAuthorized
	}
	return authdomain.StatusDenied
}

func errorCode(err error) string {
	var transient *procdomain.TransientError
	if errors.As(err, &transient) {
		return transient.Code
	}
	var fatal *procdomain.FatalError
	if errors.As(err, &fatal) {
		return fatal.Code
	}
	return "processing_error"
}
