package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/authrequest/domain"
	authrepo "github.com/smallbiznis/payauth/internal/authrequest/repository"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	outboxdomain "github.com/smallbiznis/payauth/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/payauth/internal/outbox/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc     *Service
	conn    *gorm.DB
	repo    domain.Repository
	waiters *WaiterRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&eventlog.Event{},
		&domain.AuthRequestState{},
		&domain.IdempotencyKey{},
		&outboxdomain.Message{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := authrepo.Provide(conn)
	waiters := NewWaiterRegistry()

	svc := NewService(Params{
		Config: config.Config{
			AuthQueueName: "auth-queue",
			VoidQueueName: "void-queue",
			FastPathWait:  60 * time.Millisecond,
		},
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Now()),
		Repo:       repo,
		OutboxRepo: outboxrepo.Provide(conn),
		Events:     eventlog.NewStore(),
		Waiters:    waiters,
	})
	return &fixture{svc: svc, conn: conn, repo: repo, waiters: waiters}
}

func validRequest(restaurant uuid.UUID) domain.AuthorizeRequest {
	return domain.AuthorizeRequest{
		RestaurantID:   restaurant,
		IdempotencyKey: "idem-1",
		PaymentToken:   "pt_token1",
		AmountMinor:    5000,
		Currency:       "USD",
	}
}

func TestAuthorize_AcceptedWritesAllRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)

	// No worker runs in this test, so the fast-path window elapses.
	assert.False(t, result.Completed)
	assert.False(t, result.Replayed)
	assert.Equal(t, domain.StatusPending, result.State.Status)
	assert.Equal(t, restaurant, result.State.RestaurantID)

	var events []eventlog.Event
	require.NoError(t, f.conn.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuthRequestCreated, events[0].EventType)
	assert.Equal(t, int64(1), events[0].SequenceNumber)

	var outboxRows []outboxdomain.Message
	require.NoError(t, f.conn.Find(&outboxRows).Error)
	require.Len(t, outboxRows, 1)
	assert.Equal(t, "auth-queue", outboxRows[0].Destination)
	assert.Equal(t, result.State.AuthRequestID.String(), outboxRows[0].MessageGroup)
	assert.Nil(t, outboxRows[0].ProcessedAt)

	var keys []domain.IdempotencyKey
	require.NoError(t, f.conn.Find(&keys).Error)
	require.Len(t, keys, 1)
	assert.Equal(t, result.State.AuthRequestID, keys[0].AuthRequestID)
}

func TestAuthorize_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	first, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)

	second, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.State.AuthRequestID, second.State.AuthRequestID)

	var events []eventlog.Event
	require.NoError(t, f.conn.Find(&events).Error)
	assert.Len(t, events, 1)
}

func TestAuthorize_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	_, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)

	changed := validRequest(restaurant)
	changed.AmountMinor = 9999
	_, err = f.svc.Authorize(ctx, changed)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestAuthorize_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	bad := validRequest(restaurant)
	bad.AmountMinor = 0
	_, err := f.svc.Authorize(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	bad = validRequest(restaurant)
	bad.Currency = "DOLLARS"
	_, err = f.svc.Authorize(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)

	bad = validRequest(restaurant)
	bad.PaymentToken = "tok_123"
	_, err = f.svc.Authorize(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentToken)

	bad = validRequest(restaurant)
	bad.RestaurantID = uuid.Nil
	_, err = f.svc.Authorize(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidRestaurant)

	bad = validRequest(restaurant)
	bad.IdempotencyKey = "  "
	_, err = f.svc.Authorize(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrMissingIdempotencyKey)

	var events []eventlog.Event
	require.NoError(t, f.conn.Find(&events).Error)
	assert.Empty(t, events)
}

func TestAuthorize_FastPathCompletesOnNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	done := make(chan *domain.AuthorizeResult, 1)
	go func() {
		result, err := f.svc.Authorize(ctx, validRequest(restaurant))
		if err != nil {
			done <- nil
			return
		}
		done <- result
	}()

	// Play the worker: wait for the row, land a terminal status, notify.
	var st domain.AuthRequestState
	require.Eventually(t, func() bool {
		return f.conn.First(&st).Error == nil
	}, time.Second, 5*time.Millisecond)

	st.Status = domain.StatusAuthorized
	st.AuthorizationCode = "123456"
	st.LatestSequence = 3
	require.NoError(t, f.repo.SaveState(ctx, f.conn, &st))
	f.waiters.Notify(st.AuthRequestID)

	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.True(t, result.Completed)
		assert.Equal(t, domain.StatusAuthorized, result.State.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("authorize did not return")
	}
}

func TestGetStatus_OwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)

	st, err := f.svc.GetStatus(ctx, restaurant, result.State.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, result.State.AuthRequestID, st.AuthRequestID)

	_, err = f.svc.GetStatus(ctx, uuid.New(), result.State.AuthRequestID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequestVoid_PendingRecordsIntentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)
	id := result.State.AuthRequestID

	st, err := f.svc.RequestVoid(ctx, restaurant, id, "customer cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)

	var events []eventlog.Event
	require.NoError(t, f.conn.Where("event_type = ?", domain.EventAuthVoidRequested).Find(&events).Error)
	assert.Len(t, events, 1)

	// No processor hold exists yet, so nothing goes to the void queue.
	var voidRows []outboxdomain.Message
	require.NoError(t, f.conn.Where("destination = ?", "void-queue").Find(&voidRows).Error)
	assert.Empty(t, voidRows)
}

func TestRequestVoid_RepeatedVoidAppendsSingleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)
	id := result.State.AuthRequestID

	_, err = f.svc.RequestVoid(ctx, restaurant, id, "customer cancelled")
	require.NoError(t, err)
	st, err := f.svc.RequestVoid(ctx, restaurant, id, "customer cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)

	var events []eventlog.Event
	require.NoError(t, f.conn.Where("event_type = ?", domain.EventAuthVoidRequested).Find(&events).Error)
	assert.Len(t, events, 1)
}

func TestRequestVoid_AuthorizedQueuesProcessorVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)
	id := result.State.AuthRequestID

	st := result.State
	st.Status = domain.StatusAuthorized
	st.ProcessorAuthID = "mock_auth_1"
	require.NoError(t, f.repo.SaveState(ctx, f.conn, st))

	got, err := f.svc.RequestVoid(ctx, restaurant, id, "order voided")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, got.Status)

	var voidRows []outboxdomain.Message
	require.NoError(t, f.conn.Where("destination = ?", "void-queue").Find(&voidRows).Error)
	require.Len(t, voidRows, 1)
	assert.Equal(t, id.String(), voidRows[0].MessageGroup)
	assert.Equal(t, id.String()+":void", voidRows[0].DedupKey)
}

func TestRequestVoid_TerminalStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	restaurant := uuid.New()

	result, err := f.svc.Authorize(ctx, validRequest(restaurant))
	require.NoError(t, err)
	id := result.State.AuthRequestID

	st := result.State
	st.Status = domain.StatusDenied
	require.NoError(t, f.repo.SaveState(ctx, f.conn, st))
	_, err = f.svc.RequestVoid(ctx, restaurant, id, "")
	assert.ErrorIs(t, err, domain.ErrNotVoidable)

	st.Status = domain.StatusVoided
	require.NoError(t, f.repo.SaveState(ctx, f.conn, st))
	got, err := f.svc.RequestVoid(ctx, restaurant, id, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoided, got.Status)
}

func TestRequestVoid_UnknownRestaurant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Authorize(ctx, validRequest(uuid.New()))
	require.NoError(t, err)

	_, err = f.svc.RequestVoid(ctx, uuid.New(), result.State.AuthRequestID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
