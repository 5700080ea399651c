package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	authrepo "github.com/smallbiznis/payauth/internal/authrequest/repository"
	authservice "github.com/smallbiznis/payauth/internal/authrequest/service"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	outboxdomain "github.com/smallbiznis/payauth/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/payauth/internal/outbox/repository"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	pcrepo "github.com/smallbiznis/payauth/internal/paymentconfig/repository"
	"github.com/smallbiznis/payauth/internal/tokenstore/authz"
	"github.com/smallbiznis/payauth/internal/tokenstore/client"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/internal/tokenstore/keyring"
	tsrepo "github.com/smallbiznis/payauth/internal/tokenstore/repository"
	tsservice "github.com/smallbiznis/payauth/internal/tokenstore/service"
	"github.com/smallbiznis/payauth/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAPIKey    = "sk_test_primary"
	otherAPIKey   = "sk_test_other"
	testKeyHex    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testBDKHex    = "1f1e1d1c1b1a191817161514131211100f0e0d0c0b0a09080706050403020100"
	serviceSecret = "test-service-secret"
)

type fixture struct {
	engine     *gin.Engine
	conn       *gorm.DB
	repo       authdomain.Repository
	restaurant uuid.UUID
	other      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&eventlog.Event{},
		&authdomain.AuthRequestState{},
		&authdomain.IdempotencyKey{},
		&outboxdomain.Message{},
		&pcdomain.RestaurantPaymentConfig{},
		&tsdomain.PaymentToken{},
		&tsdomain.TokenIdempotencyKey{},
		&tsdomain.DecryptAudit{},
	))

	cfg := config.Config{
		AuthQueueName:        "auth-queue",
		VoidQueueName:        "void-queue",
		FastPathWait:         10 * time.Millisecond,
		TokenTTL:             24 * time.Hour,
		CurrentKeyVersion:    1,
		PrimaryEncryptionKey: testKeyHex,
		BaseDerivationKey:    testBDKHex,
		ServiceAuthSecret:    serviceSecret,
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	configRepo := pcrepo.Provide(conn)
	repo := authrepo.Provide(conn)

	authSvc := authservice.NewService(authservice.Params{
		Config:     cfg,
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.System(),
		Repo:       repo,
		OutboxRepo: outboxrepo.Provide(conn),
		Events:     eventlog.NewStore(),
		Waiters:    authservice.NewWaiterRegistry(),
	})

	tokenDB := db.TokenDB{DB: conn}
	ring, err := keyring.New(cfg)
	require.NoError(t, err)
	enforcer, err := authz.NewEnforcer(tokenDB)
	require.NoError(t, err)
	tokenSvc, err := tsservice.NewService(tsservice.Params{
		Config:   cfg,
		Log:      zap.NewNop(),
		Clock:    clock.System(),
		GenID:    node,
		Repo:     tsrepo.Provide(tokenDB),
		Keyring:  ring,
		Enforcer: enforcer,
	})
	require.NoError(t, err)

	engine := NewEngine(zap.NewNop(), prometheus.NewRegistry())
	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Log:        zap.NewNop(),
		ConfigRepo: configRepo,
		AuthSvc:    authSvc,
		TokenSvc:   tokenSvc,
	})
	srv.RegisterAPIRoutes()
	srv.RegisterTokenRoutes()
	srv.RegisterInternalRoutes()

	f := &fixture{
		engine:     engine,
		conn:       conn,
		repo:       repo,
		restaurant: uuid.New(),
		other:      uuid.New(),
	}
	ctx := context.Background()
	require.NoError(t, configRepo.Upsert(ctx, conn, &pcdomain.RestaurantPaymentConfig{
		RestaurantID:    f.restaurant,
		ProcessorName:   "mock",
		ProcessorConfig: []byte(`{}`),
		APIKeyHash:      pcdomain.HashAPIKey(testAPIKey),
	}))
	require.NoError(t, configRepo.Upsert(ctx, conn, &pcdomain.RestaurantPaymentConfig{
		RestaurantID:    f.other,
		ProcessorName:   "mock",
		ProcessorConfig: []byte(`{}`),
		APIKeyHash:      pcdomain.HashAPIKey(otherAPIKey),
	}))
	return f
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func authorizeBody(key string) map[string]any {
	return map[string]any{
		"idempotency_key": key,
		"payment_token":   "pt_card1",
		"amount_minor":    5000,
		"currency":        "USD",
	}
}

func TestAuth_MissingOrBadAPIKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/authorize", "", authorizeBody("idem-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/authorize", "sk_test_wrong", authorizeBody("idem-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorize_Accepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, authorizeBody("idem-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(5000), body["amount_minor"])
	id, _ := body["auth_request_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/authorize/"+id+"/status", body["status_url"])
}

func TestAuthorize_ValidationError(t *testing.T) {
	f := newFixture(t)

	bad := authorizeBody("idem-1")
	bad["amount_minor"] = 0
	rec := f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj, _ := body["error"].(map[string]any)
	require.NotNil(t, errObj)
	assert.Equal(t, "validation_error", errObj["type"])
}

func TestAuthorize_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, authorizeBody("idem-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	changed := authorizeBody("idem-1")
	changed["amount_minor"] = 9999
	rec = f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, changed)
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	errObj, _ := body["error"].(map[string]any)
	require.NotNil(t, errObj)
	assert.Equal(t, "idempotency_key_conflict", errObj["code"])
}

func TestGetAuthorization(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, authorizeBody("idem-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeBody(t, rec)["auth_request_id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/authorize/"+id+"/status", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["auth_request_id"])

	// Another restaurant's key must not see it.
	rec = f.do(t, http.MethodGet, "/v1/authorize/"+id+"/status", otherAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/authorize/"+uuid.NewString()+"/status", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/authorize/not-a-uuid/status", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoidAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/v1/authorize", testAPIKey, authorizeBody("idem-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeBody(t, rec)["auth_request_id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/authorize/"+id+"/void", testAPIKey,
		map[string]any{"reason": "customer cancelled"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A denied authorization cannot be voided.
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	st, err := f.repo.GetState(ctx, parsed)
	require.NoError(t, err)
	st.Status = authdomain.StatusDenied
	require.NoError(t, f.repo.SaveState(ctx, f.conn, st))

	rec = f.do(t, http.MethodPost, "/v1/authorize/"+id+"/void", testAPIKey, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	errObj, _ := decodeBody(t, rec)["error"].(map[string]any)
	require.NotNil(t, errObj)
	assert.Equal(t, "not_voidable", errObj["code"])
}

func testCard() tsdomain.CardData {
	return tsdomain.CardData{
		CardNumber:     "4242424242424242",
		ExpiryMonth:    12,
		ExpiryYear:     2030,
		CVV:            "123",
		CardholderName: "PAT DOE",
	}
}

// sealForDevice encrypts a card the way a terminal would, under the key
// derived from the base derivation key and device token, nonce prepended.
func sealForDevice(t *testing.T, deviceToken string, card tsdomain.CardData) string {
	t.Helper()
	bdk, err := hex.DecodeString(testBDKHex)
	require.NoError(t, err)
	key, err := tsdomain.DeriveDeviceKey(bdk, deviceToken)
	require.NoError(t, err)
	plaintext, err := json.Marshal(card)
	require.NoError(t, err)
	ciphertext, nonce, err := tsdomain.Encrypt(key, plaintext)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...))
}

func tokenBody(t *testing.T) map[string]any {
	t.Helper()
	return map[string]any{
		"device_token":           "device-1",
		"encrypted_payment_data": sealForDevice(t, "device-1", testCard()),
	}
}

func TestCreateToken_NeverEchoesCard(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, tokenBody(t))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	tokenID, _ := body["token_id"].(string)
	assert.True(t, strings.HasPrefix(tokenID, "pt_"))
	assert.Equal(t, "visa", body["card_brand"])
	assert.Equal(t, "4242", body["last4"])

	raw := rec.Body.String()
	assert.NotContains(t, raw, "4242424242424242")
	assert.NotContains(t, raw, `"cvv"`)
}

func TestCreateToken_ReplayReturnsExistingToken(t *testing.T) {
	f := newFixture(t)

	body := tokenBody(t)
	body["idempotency_key"] = "tok-idem-1"

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := decodeBody(t, rec)["token_id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tokenID, decodeBody(t, rec)["token_id"])
}

func TestCreateToken_KeyMetadataFlow(t *testing.T) {
	f := newFixture(t)

	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)
	plaintext, err := json.Marshal(testCard())
	require.NoError(t, err)
	ciphertext, nonce, err := tsdomain.Encrypt(key, plaintext)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, map[string]any{
		"encrypted_payment_data": base64.StdEncoding.EncodeToString(ciphertext),
		"encryption_metadata": map[string]any{
			"key_id":    "demo-primary-key-001",
			"algorithm": "AES-256-GCM",
			"iv":        base64.StdEncoding.EncodeToString(nonce),
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "visa", decodeBody(t, rec)["card_brand"])

	// An unknown key id is a validation failure, not a server error.
	rec = f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, map[string]any{
		"encrypted_payment_data": base64.StdEncoding.EncodeToString(ciphertext),
		"encryption_metadata": map[string]any{
			"key_id":    "no-such-key",
			"algorithm": "AES-256-GCM",
			"iv":        base64.StdEncoding.EncodeToString(nonce),
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateToken_IdempotencyKeyReuseConflicts(t *testing.T) {
	f := newFixture(t)

	body := tokenBody(t)
	body["idempotency_key"] = "tok-idem-2"
	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	other := testCard()
	other.CardNumber = "5555555555554444"
	conflicting := map[string]any{
		"idempotency_key":        "tok-idem-2",
		"device_token":           "device-1",
		"encrypted_payment_data": sealForDevice(t, "device-1", other),
	}
	rec = f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, conflicting)
	require.Equal(t, http.StatusConflict, rec.Code)
	errObj, _ := decodeBody(t, rec)["error"].(map[string]any)
	require.NotNil(t, errObj)
	assert.Equal(t, "idempotency_key_conflict", errObj["code"])
}

func TestListTokens_CursorPaging(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, tokenBody(t))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/payment-tokens?page_size=2", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)
	data, _ := first["data"].([]any)
	assert.Len(t, data, 2)
	assert.Equal(t, true, first["has_more"])
	next, _ := first["next_page_token"].(string)
	require.NotEmpty(t, next)

	rec = f.do(t, http.MethodGet, "/v1/payment-tokens?page_size=2&page_token="+next, testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	data, _ = second["data"].([]any)
	assert.Len(t, data, 1)
	assert.Equal(t, false, second["has_more"])

	// Another restaurant's key sees an empty list, not this tenant's tokens.
	rec = f.do(t, http.MethodGet, "/v1/payment-tokens", otherAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ = decodeBody(t, rec)["data"].([]any)
	assert.Empty(t, data)

	// A token the server never minted is a validation failure.
	rec = f.do(t, http.MethodGet, "/v1/payment-tokens?page_token=%21%21", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetToken_OwnershipEnforced(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, tokenBody(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := decodeBody(t, rec)["token_id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/payment-tokens/"+tokenID, testAPIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/payment-tokens/"+tokenID, otherAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (f *fixture) doSigned(t *testing.T, tokenID, serviceName, secret string, restaurant uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	now := time.Now()
	raw, err := json.Marshal(map[string]string{"restaurant_id": restaurant.String()})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/tokens/"+tokenID+"/decrypt", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(client.HeaderServiceName, serviceName)
	req.Header.Set(client.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(client.HeaderSignature, client.Sign(secret, serviceName, tokenID, now))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestDecryptToken_ServiceAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, tokenBody(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := decodeBody(t, rec)["token_id"].(string)

	rec = f.doSigned(t, tokenID, "auth-processor-worker", serviceSecret, f.restaurant)
	require.Equal(t, http.StatusOK, rec.Code)
	card := decodeBody(t, rec)
	assert.Equal(t, "4242424242424242", card["card_number"])

	// Wrong signing secret.
	rec = f.doSigned(t, tokenID, "auth-processor-worker", "wrong-secret", f.restaurant)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature but a service the allow-list rejects.
	rec = f.doSigned(t, tokenID, "billing-reporter", serviceSecret, f.restaurant)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Missing headers entirely.
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/tokens/"+tokenID+"/decrypt", nil)
	plain := httptest.NewRecorder()
	f.engine.ServeHTTP(plain, req)
	assert.Equal(t, http.StatusUnauthorized, plain.Code)
}

func TestDecryptToken_ForeignRestaurantForbidden(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payment-tokens", testAPIKey, tokenBody(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := decodeBody(t, rec)["token_id"].(string)

	rec = f.doSigned(t, tokenID, "auth-processor-worker", serviceSecret, f.other)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
