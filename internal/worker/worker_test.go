package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	authrepo "github.com/smallbiznis/payauth/internal/authrequest/repository"
	authservice "github.com/smallbiznis/payauth/internal/authrequest/service"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/lock"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	pcrepo "github.com/smallbiznis/payauth/internal/paymentconfig/repository"
	"github.com/smallbiznis/payauth/internal/processor/adapters"
	"github.com/smallbiznis/payauth/internal/processor/adapters/mock"
	procdomain "github.com/smallbiznis/payauth/internal/processor/domain"
	"github.com/smallbiznis/payauth/internal/queue"
	"github.com/smallbiznis/payauth/internal/queue/memory"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	tsservice "github.com/smallbiznis/payauth/internal/tokenstore/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fakeDecryptor maps payment tokens to card numbers, standing in for the
// token store. Unknown tokens behave like expired ones, and a token with a
// registered owner refuses any other tenant.
type fakeDecryptor struct {
	cards  map[string]string
	owners map[string]uuid.UUID
}

func (d *fakeDecryptor) Decrypt(ctx context.Context, req tsservice.DecryptRequest) (*tsdomain.CardData, error) {
	number, ok := d.cards[req.TokenID]
	if !ok {
		return nil, tsdomain.ErrTokenNotFound
	}
	if owner, ok := d.owners[req.TokenID]; ok && owner != req.RestaurantID {
		return nil, tsdomain.ErrDecryptForbidden
	}
	return &tsdomain.CardData{
		CardNumber:     number,
		ExpiryMonth:    12,
		ExpiryYear:     2030,
		CVV:            "123",
		CardholderName: "PAT DOE",
	}, nil
}

// flakyFactory scripts a processor that fails transiently on the first call
// and authorizes on the second.
type flakyFactory struct {
	calls int
}

func (f *flakyFactory) Provider() string { return "flaky" }

func (f *flakyFactory) NewAdapter(cfg procdomain.AdapterConfig) (procdomain.PaymentProcessor, error) {
	return &flakyAdapter{factory: f}, nil
}

type flakyAdapter struct {
	factory *flakyFactory
}

func (a *flakyAdapter) Name() string { return "flaky" }

func (a *flakyAdapter) Authorize(ctx context.Context, req procdomain.AuthorizationRequest) (*procdomain.AuthorizationResult, error) {
	a.factory.calls++
	if a.factory.calls == 1 {
		return nil, procdomain.Transient("processing_error", errors.New("connection reset"))
	}
	return &procdomain.AuthorizationResult{
		Status:            procdomain.StatusAuthorized,
		ProcessorName:     a.Name(),
		ProcessorAuthID:   "flaky_auth_1",
		AuthorizationCode: "654321",
		AuthorizedAmount:  req.AmountMinor,
		Currency:          req.Currency,
		AuthorizedAt:      time.Now().UTC(),
	}, nil
}

func (a *flakyAdapter) Void(ctx context.Context, processorAuthID string) (*procdomain.VoidResult, error) {
	return nil, procdomain.Fatal("not_supported", errors.New("void not scripted"))
}

type fixture struct {
	worker     *Worker
	voidWorker *VoidWorker
	conn       *gorm.DB
	fake       *clock.FakeClock
	repo       authdomain.Repository
	configRepo pcdomain.Repository
	events     *eventlog.Store
	auth       queue.AuthQueue
	void       queue.VoidQueue
	locks      *lock.Manager
	flaky      *flakyFactory
	decryptor  *fakeDecryptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&eventlog.Event{},
		&authdomain.AuthRequestState{},
		&authdomain.IdempotencyKey{},
		&lock.ProcessingLock{},
		&pcdomain.RestaurantPaymentConfig{},
	))

	cfg := config.Config{
		MaxRetries:        2,
		LockTTL:           30 * time.Second,
		ProcessorTimeout:  time.Second,
		WorkerConcurrency: 1,
	}
	fake := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	locks := lock.NewManager(lock.Params{
		Config: cfg,
		DB:     conn,
		Clock:  fake,
		Log:    zap.NewNop(),
	})

	flaky := &flakyFactory{}
	decryptor := &fakeDecryptor{cards: map[string]string{}, owners: map[string]uuid.UUID{}}
	repo := authrepo.Provide(conn)
	configRepo := pcrepo.Provide(conn)
	events := eventlog.NewStore()
	registry := adapters.NewRegistry(mock.NewFactory(), flaky)

	authQueue := queue.AuthQueue{Queue: memory.New("auth-queue")}
	voidQueue := queue.VoidQueue{Queue: memory.New("void-queue")}

	w := New(Params{
		Config:     cfg,
		Log:        zap.NewNop(),
		Clock:      fake,
		AuthQueue:  authQueue,
		Locks:      locks,
		Repo:       repo,
		ConfigRepo: configRepo,
		Events:     events,
		Registry:   registry,
		Decryptor:  decryptor,
		Waiters:    authservice.NewWaiterRegistry(),
		ObsMetrics: obsmetrics.New(nil),
	})
	vw := NewVoidWorker(VoidParams{
		Config:     cfg,
		Log:        zap.NewNop(),
		Clock:      fake,
		VoidQueue:  voidQueue,
		Locks:      locks,
		Repo:       repo,
		ConfigRepo: configRepo,
		Events:     events,
		Registry:   registry,
	})
	return &fixture{
		worker:     w,
		voidWorker: vw,
		conn:       conn,
		fake:       fake,
		repo:       repo,
		configRepo: configRepo,
		events:     events,
		auth:       authQueue,
		void:       voidQueue,
		locks:      locks,
		flaky:      flaky,
		decryptor:  decryptor,
	}
}

func (f *fixture) seedConfig(t *testing.T, restaurant uuid.UUID, processor string) {
	t.Helper()
	require.NoError(t, f.configRepo.Upsert(context.Background(), f.conn, &pcdomain.RestaurantPaymentConfig{
		RestaurantID:    restaurant,
		ProcessorName:   processor,
		ProcessorConfig: datatypes.JSON(`{"latency_ms": 0}`),
	}))
}

// seedRequest writes the aggregate the ingress would have written: the
// created event at sequence 1 and a PENDING state row.
func (f *fixture) seedRequest(t *testing.T, restaurant uuid.UUID, token string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	now := f.fake.Now().UTC()

	payload, err := eventlog.EncodePayload(authdomain.AuthRequestCreatedPayload{
		AuthRequestID: id,
		RestaurantID:  restaurant,
		PaymentToken:  token,
		AmountMinor:   5000,
		Currency:      "USD",
		CreatedAt:     now.UnixMilli(),
	})
	require.NoError(t, err)
	_, err = f.events.AppendNext(ctx, f.conn, &eventlog.Event{
		AggregateID: id,
		EventType:   authdomain.EventAuthRequestCreated,
		EventData:   payload,
		CreatedAt:   now,
	})
	require.NoError(t, err)

	require.NoError(t, f.repo.InsertState(ctx, f.conn, &authdomain.AuthRequestState{
		AuthRequestID:  id,
		RestaurantID:   restaurant,
		PaymentToken:   token,
		AmountMinor:    5000,
		Currency:       "USD",
		Status:         authdomain.StatusPending,
		LatestSequence: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	return id
}

func (f *fixture) enqueue(t *testing.T, id, restaurant uuid.UUID) {
	t.Helper()
	body, err := json.Marshal(authdomain.QueuedMessage{
		AuthRequestID: id,
		RestaurantID:  restaurant,
		CreatedAt:     f.fake.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, f.auth.Publish(context.Background(), queue.Message{
		GroupID: id.String(),
		DedupID: id.String(),
		Type:    authdomain.EventAuthRequestCreated,
		Body:    body,
	}))
}

// deliver receives one message and runs the worker's handle on it.
func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.auth.Receive(ctx)
	require.NoError(t, err)
	f.worker.handle(context.Background(), msg)
}

func (f *fixture) state(t *testing.T, id uuid.UUID) *authdomain.AuthRequestState {
	t.Helper()
	st, err := f.repo.GetState(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) eventCount(t *testing.T, id uuid.UUID, eventType string) int64 {
	t.Helper()
	n, err := f.events.CountByType(context.Background(), f.conn, id, eventType)
	require.NoError(t, err)
	return n
}

func (f *fixture) queueEmpty(t *testing.T) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.auth.Receive(ctx)
	return err != nil
}

func TestProcess_Authorizes(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")
	f.decryptor.cards["pt_good"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_good")
	f.enqueue(t, id, restaurant)
	f.deliver(t)

	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusAuthorized, st.Status)
	assert.Equal(t, "mock", st.ProcessorName)
	assert.Equal(t, "123456", st.AuthorizationCode)
	assert.Equal(t, int64(5000), st.AuthorizedAmount)
	assert.Equal(t, "USD", st.Currency)
	assert.NotEmpty(t, st.ProcessorAuthID)

	assert.Equal(t, int64(1), f.eventCount(t, id, authdomain.EventAuthAttemptStarted))
	assert.Equal(t, int64(1), f.eventCount(t, id, authdomain.EventAuthResponseReceived))
	assert.True(t, f.queueEmpty(t))
}

func TestProcess_Denial(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")
	f.decryptor.cards["pt_poor"] = "4000000000009995"

	id := f.seedRequest(t, restaurant, "pt_poor")
	f.enqueue(t, id, restaurant)
	f.deliver(t)

	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusDenied, st.Status)
	assert.Equal(t, "insufficient_funds", st.DenialCode)
	assert.NotEmpty(t, st.DenialReason)
	assert.Empty(t, st.AuthorizationCode)
	assert.True(t, f.queueEmpty(t))
}

func TestProcess_ForeignTokenFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	intruder := uuid.New()
	f.seedConfig(t, intruder, "mock")
	f.decryptor.cards["pt_shared"] = "4242424242424242"
	f.decryptor.owners["pt_shared"] = owner

	id := f.seedRequest(t, intruder, "pt_shared")
	f.enqueue(t, id, intruder)
	f.deliver(t)

	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusFailed, st.Status)
	terminal := f.lastFailure(t, id)
	assert.False(t, terminal.IsRetryable)
	assert.Equal(t, "token_forbidden", terminal.ErrorCode)
	assert.True(t, f.queueEmpty(t))
}

func TestProcess_TransientFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")
	f.decryptor.cards["pt_flaky"] = "4000000000000119"

	id := f.seedRequest(t, restaurant, "pt_flaky")
	f.enqueue(t, id, restaurant)

	// First delivery fails transiently and is nacked back.
	f.deliver(t)
	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusProcessing, st.Status)

	// Second delivery exhausts the retry budget and closes the aggregate.
	f.deliver(t)
	st = f.state(t, id)
	assert.Equal(t, authdomain.StatusFailed, st.Status)

	assert.Equal(t, int64(2), f.eventCount(t, id, authdomain.EventAuthAttemptStarted))
	assert.Equal(t, int64(2), f.eventCount(t, id, authdomain.EventAuthAttemptFailed))
	assert.True(t, f.queueEmpty(t))

	// The terminal failure reports the exhausted budget, not the transient
	// error that happened to hit it.
	terminal := f.lastFailure(t, id)
	assert.False(t, terminal.IsRetryable)
	assert.Equal(t, "max_retries_exceeded", terminal.ErrorCode)
	assert.Equal(t, 2, terminal.RetryCount)
}

func (f *fixture) lastFailure(t *testing.T, id uuid.UUID) authdomain.AuthAttemptFailedPayload {
	t.Helper()
	var event eventlog.Event
	require.NoError(t, f.conn.
		Where("aggregate_id = ? AND event_type = ?", id, authdomain.EventAuthAttemptFailed).
		Order("sequence_number DESC").
		First(&event).Error)
	var payload authdomain.AuthAttemptFailedPayload
	require.NoError(t, json.Unmarshal(event.EventData, &payload))
	return payload
}

func TestProcess_TransientFailureThenSuccess(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "flaky")
	f.decryptor.cards["pt_retry"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_retry")
	f.enqueue(t, id, restaurant)

	f.deliver(t)
	require.Equal(t, authdomain.StatusProcessing, f.state(t, id).Status)

	f.deliver(t)
	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusAuthorized, st.Status)
	assert.Equal(t, "654321", st.AuthorizationCode)
	assert.Equal(t, 2, f.flaky.calls)
	assert.Equal(t, int64(1), f.eventCount(t, id, authdomain.EventAuthAttemptFailed))
}

func TestProcess_LockContentionDefersWithoutBurningRetries(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")
	f.decryptor.cards["pt_held"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_held")

	// Another worker holds the aggregate lock, so every delivery bounces.
	acquired, err := f.locks.Acquire(context.Background(), "auth:"+id.String(), "other-worker")
	require.NoError(t, err)
	require.True(t, acquired)

	f.enqueue(t, id, restaurant)
	f.deliver(t)
	f.deliver(t)
	f.deliver(t)

	// Deferring is free: no attempt ran, no failure was recorded and the
	// aggregate is still open for whoever holds the lock.
	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusPending, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, int64(0), f.eventCount(t, id, authdomain.EventAuthAttemptStarted))
	assert.Equal(t, int64(0), f.eventCount(t, id, authdomain.EventAuthAttemptFailed))

	// Once the holder releases, the next delivery processes normally.
	require.NoError(t, f.locks.Release(context.Background(), "auth:"+id.String(), "other-worker"))
	f.deliver(t)
	assert.Equal(t, authdomain.StatusAuthorized, f.state(t, id).Status)
	assert.True(t, f.queueEmpty(t))
}

func TestProcess_VoidRaceExpiresWithoutProcessorCall(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "flaky")
	f.decryptor.cards["pt_voided"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_voided")

	// A void arrives before the worker ever touches the request.
	ctx := context.Background()
	now := f.fake.Now().UTC()
	payload, err := eventlog.EncodePayload(authdomain.AuthVoidRequestedPayload{
		AuthRequestID: id,
		Reason:        "customer cancelled",
		RequestedAt:   now.UnixMilli(),
	})
	require.NoError(t, err)
	_, err = f.events.AppendNext(ctx, f.conn, &eventlog.Event{
		AggregateID: id,
		EventType:   authdomain.EventAuthVoidRequested,
		EventData:   payload,
		CreatedAt:   now,
	})
	require.NoError(t, err)

	f.enqueue(t, id, restaurant)
	f.deliver(t)

	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusExpired, st.Status)
	assert.Equal(t, 0, f.flaky.calls)
	assert.Equal(t, int64(0), f.eventCount(t, id, authdomain.EventAuthAttemptStarted))
	assert.Equal(t, int64(1), f.eventCount(t, id, authdomain.EventAuthRequestExpired))
}

func TestProcess_TokenUnavailableFailsTerminally(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")

	id := f.seedRequest(t, restaurant, "pt_gone")
	f.enqueue(t, id, restaurant)
	f.deliver(t)

	st := f.state(t, id)
	assert.Equal(t, authdomain.StatusFailed, st.Status)
	assert.True(t, f.queueEmpty(t))
}

func TestProcess_MissingConfigFailsTerminally(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.decryptor.cards["pt_good"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_good")
	f.enqueue(t, id, restaurant)
	f.deliver(t)

	assert.Equal(t, authdomain.StatusFailed, f.state(t, id).Status)
}

func TestProcess_TerminalStateAcksWithoutWork(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")
	f.decryptor.cards["pt_done"] = "4242424242424242"

	id := f.seedRequest(t, restaurant, "pt_done")
	st := f.state(t, id)
	st.Status = authdomain.StatusDenied
	require.NoError(t, f.repo.SaveState(context.Background(), f.conn, st))

	f.enqueue(t, id, restaurant)
	f.deliver(t)

	assert.Equal(t, authdomain.StatusDenied, f.state(t, id).Status)
	assert.Equal(t, int64(0), f.eventCount(t, id, authdomain.EventAuthAttemptStarted))
	assert.True(t, f.queueEmpty(t))
}

func (f *fixture) deliverVoid(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.void.Receive(ctx)
	require.NoError(t, err)
	f.voidWorker.handle(context.Background(), msg)
}

func (f *fixture) enqueueVoid(t *testing.T, id, restaurant uuid.UUID) {
	t.Helper()
	body, err := json.Marshal(authdomain.VoidQueuedMessage{
		AuthRequestID: id,
		RestaurantID:  restaurant,
		RequestedAt:   f.fake.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, f.void.Publish(context.Background(), queue.Message{
		GroupID: id.String(),
		DedupID: id.String() + ":void",
		Type:    authdomain.EventAuthVoidRequested,
		Body:    body,
	}))
}

func TestVoidWorker_ReleasesAuthorizedHold(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")

	id := f.seedRequest(t, restaurant, "pt_good")
	st := f.state(t, id)
	st.Status = authdomain.StatusAuthorized
	st.ProcessorName = "mock"
	st.ProcessorAuthID = "mock_auth_held"
	require.NoError(t, f.repo.SaveState(context.Background(), f.conn, st))

	f.enqueueVoid(t, id, restaurant)
	f.deliverVoid(t)

	st = f.state(t, id)
	assert.Equal(t, authdomain.StatusVoided, st.Status)
	assert.Equal(t, int64(1), f.eventCount(t, id, authdomain.EventAuthVoidCompleted))
}

func TestVoidWorker_IgnoresNonAuthorized(t *testing.T) {
	f := newFixture(t)
	restaurant := uuid.New()
	f.seedConfig(t, restaurant, "mock")

	id := f.seedRequest(t, restaurant, "pt_good")
	st := f.state(t, id)
	st.Status = authdomain.StatusDenied
	require.NoError(t, f.repo.SaveState(context.Background(), f.conn, st))

	f.enqueueVoid(t, id, restaurant)
	f.deliverVoid(t)

	assert.Equal(t, authdomain.StatusDenied, f.state(t, id).Status)
	assert.Equal(t, int64(0), f.eventCount(t, id, authdomain.EventAuthVoidCompleted))
}
