package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/lock"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	"github.com/smallbiznis/payauth/internal/processor/adapters"
	procdomain "github.com/smallbiznis/payauth/internal/processor/domain"
	"github.com/smallbiznis/payauth/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VoidWorker releases authorization holds. It only acts on AUTHORIZED
// requests; the pre-auth void race is the auth worker's job.
type VoidWorker struct {
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	queue      queue.VoidQueue
	locks      *lock.Manager
	repo       authdomain.Repository
	configRepo pcdomain.Repository
	events     *eventlog.Store
	registry   *adapters.Registry
	obsMetrics *obsmetrics.Metrics

	workerID string
}

type VoidParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	VoidQueue  queue.VoidQueue
	Locks      *lock.Manager
	Repo       authdomain.Repository
	ConfigRepo pcdomain.Repository
	Events     *eventlog.Store
	Registry   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewVoidWorker(p VoidParams) *VoidWorker {
	host, _ := os.Hostname()
	if host == "" {
		host = "void-worker"
	}
	return &VoidWorker{
		cfg:        p.Config,
		log:        p.Log.Named("worker.void"),
		clock:      p.Clock,
		queue:      p.VoidQueue,
		locks:      p.Locks,
		repo:       p.Repo,
		configRepo: p.ConfigRepo,
		events:     p.Events,
		registry:   p.Registry,
		obsMetrics: p.ObsMetrics,
		workerID:   fmt.Sprintf("%s-void-%s", host, uuid.NewString()[:8]),
	}
}

func (w *VoidWorker) Run(ctx context.Context) {
	for {
		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("receive void message", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *VoidWorker) handle(ctx context.Context, msg *queue.Message) {
	var queued authdomain.VoidQueuedMessage
	if err := json.Unmarshal(msg.Body, &queued); err != nil {
		w.log.Error("malformed void message, dropping", zap.Error(err))
		_ = w.queue.Ack(ctx, msg.ReceiptHandle)
		return
	}

	done, err := w.process(ctx, queued.AuthRequestID)
	if err != nil {
		w.log.Error("process void",
			zap.Error(err),
			zap.String("auth_request_id", queued.AuthRequestID.String()),
		)
	}
	if done {
		_ = w.queue.Ack(ctx, msg.ReceiptHandle)
		return
	}
	_ = w.queue.Nack(ctx, msg.ReceiptHandle)
}

func (w *VoidWorker) process(ctx context.Context, id uuid.UUID) (bool, error) {
	lockKey := "auth:" + id.String()
	acquired, err := w.locks.Acquire(ctx, lockKey, w.workerID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		_ = w.locks.Release(context.WithoutCancel(ctx), lockKey, w.workerID)
	}()

	state, err := w.repo.GetState(ctx, id)
	if err != nil {
		if errors.Is(err, authdomain.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	switch state.Status {
	case authdomain.StatusVoided:
		return true, nil
	case authdomain.StatusAuthorized:
	default:
		// Not authorized anymore; nothing to release at the processor.
		return true, nil
	}

	result, err := w.void(ctx, state)
	if err != nil {
		if procdomain.IsTransient(err) {
			return false, err
		}
		w.log.Error("processor void failed terminally, leaving hold to lapse",
			zap.Error(err),
			zap.String("auth_request_id", id.String()),
		)
		return true, err
	}

	if err := w.recordVoid(ctx, id, result); err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return true, nil
		}
		return false, err
	}
	if w.obsMetrics != nil {
		w.obsMetrics.AuthOutcomes.WithLabelValues(string(authdomain.StatusVoided)).Inc()
	}
	return true, nil
}

func (w *VoidWorker) void(ctx context.Context, state *authdomain.AuthRequestState) (*procdomain.VoidResult, error) {
	cfg, err := w.configRepo.Get(ctx, state.RestaurantID)
	if err != nil {
		if errors.Is(err, pcdomain.ErrConfigNotFound) {
			return nil, procdomain.Fatal("config_missing", err)
		}
		return nil, procdomain.Transient("config_fetch", err)
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

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessorTimeout)
	defer cancel()
	return adapter.Void(callCtx, state.ProcessorAuthID)
}

func (w *VoidWorker) recordVoid(ctx context.Context, id uuid.UUID, result *procdomain.VoidResult) error {
	now := w.clock.Now().UTC()
	payload, err := eventlog.EncodePayload(authdomain.AuthVoidCompletedPayload{
		AuthRequestID:   id,
		ProcessorName:   result.ProcessorName,
		ProcessorVoidID: result.ProcessorVoidID,
		VoidedAt:        now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	meta, _ := eventlog.EncodePayload(eventlog.EventMetadata{WorkerID: w.workerID})
	return w.repo.Transaction(ctx, func(tx *gorm.DB) error {
		st, err := w.repo.GetStateForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != authdomain.StatusAuthorized {
			return errAlreadyTerminal
		}
		seq, err := w.events.AppendNext(ctx, tx, &eventlog.Event{
			AggregateID: id,
			EventType:   authdomain.EventAuthVoidCompleted,
			EventData:   payload,
			Metadata:    meta,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := authdomain.Apply(st, authdomain.EventAuthVoidCompleted, payload, seq, now); err != nil {
			return err
		}
		return w.repo.SaveState(ctx, tx, st)
	})
}
