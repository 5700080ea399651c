package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	"github.com/smallbiznis/payauth/internal/tokenstore/authz"
	"github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/internal/tokenstore/keyring"
	"github.com/smallbiznis/payauth/internal/tokenstore/repository"
	"github.com/smallbiznis/payauth/pkg/db"
	"github.com/smallbiznis/payauth/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const gcmNonceSize = 12

// CreateTokenRequest carries a client-encrypted card payload. Exactly one
// credential identifies the key it was sealed under: a device token for the
// terminal flow, or encryption metadata naming a partner key.
type CreateTokenRequest struct {
	RestaurantID         uuid.UUID
	IdempotencyKey       string
	EncryptedPaymentData []byte
	DeviceToken          string
	EncryptionMetadata   *domain.EncryptionMetadata
	Metadata             map[string]string
}

// fingerprint binds an idempotency key to the payload and credential it was
// first used with. A replay with a different fingerprint is a conflict.
func (r CreateTokenRequest) fingerprint() string {
	credential := r.DeviceToken
	if r.EncryptionMetadata != nil {
		credential = r.EncryptionMetadata.KeyID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		r.RestaurantID,
		base64.StdEncoding.EncodeToString(r.EncryptedPaymentData),
		credential,
	)))
	return hex.EncodeToString(sum[:])
}

type DecryptRequest struct {
	RestaurantID uuid.UUID
	ServiceName  string
	TokenID      string
	RequestID    string
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       repository.Repository
	Keyring    *keyring.Keyring
	Enforcer   *casbin.SyncedEnforcer
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	repo       repository.Repository
	keyring    *keyring.Keyring
	enforcer   *casbin.SyncedEnforcer
	obsMetrics *obsmetrics.Metrics

	// bdk is the base derivation key for the device-encrypted flow; device
	// keys derive from it per device token and never touch storage.
	bdk []byte
}

func NewService(p Params) (*Service, error) {
	var bdk []byte
	if raw := strings.TrimSpace(p.Config.BaseDerivationKey); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("base derivation key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("base derivation key must be 32 bytes, got %d", len(key))
		}
		bdk = key
	}
	return &Service{
		cfg:        p.Config,
		log:        p.Log.Named("tokenstore.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		repo:       p.Repo,
		keyring:    p.Keyring,
		enforcer:   p.Enforcer,
		obsMetrics: p.ObsMetrics,
		bdk:        bdk,
	}, nil
}

// Create tokenizes a client-encrypted card payload: decrypt under the key
// the credential names, validate, then re-seal under the current service
// key version. The clear card exists only in memory between those steps.
// The bool reports an idempotent replay of an earlier create.
func (s *Service) Create(ctx context.Context, req CreateTokenRequest) (*domain.PaymentToken, bool, error) {
	now := s.clock.Now().UTC()
	if req.RestaurantID == uuid.Nil {
		return nil, false, domain.ErrInvalidCard
	}

	card, originKeyID, err := s.openPayload(req)
	if err != nil {
		return nil, false, err
	}
	if err := card.Validate(now); err != nil {
		return nil, false, err
	}

	version, serviceKey := s.keyring.Current()
	plaintext, err := json.Marshal(card)
	if err != nil {
		return nil, false, err
	}
	ciphertext, nonce, err := domain.Encrypt(serviceKey, plaintext)
	if err != nil {
		return nil, false, err
	}

	token := &domain.PaymentToken{
		TokenID:      "pt_" + strings.ToLower(ulid.Make().String()),
		RestaurantID: req.RestaurantID,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		KeyVersion:   version,
		DeviceToken:  req.DeviceToken,
		OriginKeyID:  originKeyID,
		CardBrand:    card.Brand(),
		Last4:        card.Last4(),
		ExpiryMonth:  card.ExpiryMonth,
		ExpiryYear:   card.ExpiryYear,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TokenTTL),
	}
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, false, err
		}
		token.Metadata = datatypes.JSON(raw)
	}

	var replayed *domain.PaymentToken
	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" {
			existing, err := s.repo.GetIdempotencyKey(ctx, tx, req.RestaurantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Fingerprint != req.fingerprint() {
					return domain.ErrIdempotencyConflict
				}
				replayed, err = s.repo.Get(ctx, existing.TokenID)
				return err
			}
		}
		if err := s.repo.Insert(ctx, tx, token); err != nil {
			return err
		}
		if req.IdempotencyKey == "" {
			return nil
		}
		return s.repo.InsertIdempotencyKey(ctx, tx, &domain.TokenIdempotencyKey{
			RestaurantID:   req.RestaurantID,
			IdempotencyKey: req.IdempotencyKey,
			TokenID:        token.TokenID,
			Fingerprint:    req.fingerprint(),
			CreatedAt:      now,
		})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) && req.IdempotencyKey != "" {
			existing, replayErr := s.replayCreate(ctx, req)
			return existing, true, replayErr
		}
		return nil, false, err
	}
	if replayed != nil {
		return replayed, true, nil
	}
	return token, false, nil
}

// openPayload resolves the decryption key named by the request credential
// and opens the client-encrypted payload. The terminal flow carries the
// nonce as the payload's first 12 bytes; the partner flow carries it in the
// envelope metadata.
func (s *Service) openPayload(req CreateTokenRequest) (*domain.CardData, string, error) {
	hasDevice := req.DeviceToken != ""
	hasMetadata := req.EncryptionMetadata != nil
	if hasDevice == hasMetadata {
		return nil, "", fmt.Errorf("%w: exactly one of device_token or encryption_metadata", domain.ErrInvalidEncryption)
	}
	if len(req.EncryptedPaymentData) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", domain.ErrInvalidEncryption)
	}

	var (
		plaintext   []byte
		originKeyID string
	)
	if hasDevice {
		if len(s.bdk) == 0 {
			return nil, "", domain.ErrUnknownKey
		}
		if len(req.EncryptedPaymentData) <= gcmNonceSize {
			return nil, "", domain.ErrDecryptionFailed
		}
		key, err := domain.DeriveDeviceKey(s.bdk, req.DeviceToken)
		if err != nil {
			return nil, "", err
		}
		nonce := req.EncryptedPaymentData[:gcmNonceSize]
		ciphertext := req.EncryptedPaymentData[gcmNonceSize:]
		plaintext, err = domain.Decrypt(key, ciphertext, nonce)
		if err != nil {
			return nil, "", domain.ErrDecryptionFailed
		}
		originKeyID = "bdk"
	} else {
		meta := req.EncryptionMetadata
		if meta.Algorithm != domain.AlgorithmAESGCM {
			return nil, "", fmt.Errorf("%w: unsupported algorithm %q", domain.ErrInvalidEncryption, meta.Algorithm)
		}
		key, err := s.keyring.Named(meta.KeyID)
		if err != nil {
			return nil, "", err
		}
		iv, err := meta.IVBytes()
		if err != nil {
			return nil, "", err
		}
		plaintext, err = domain.Decrypt(key, req.EncryptedPaymentData, iv)
		if err != nil {
			return nil, "", domain.ErrDecryptionFailed
		}
		originKeyID = meta.KeyID
	}

	var card domain.CardData
	if err := json.Unmarshal(plaintext, &card); err != nil {
		return nil, "", fmt.Errorf("%w: malformed payment data", domain.ErrDecryptionFailed)
	}
	return &card, originKeyID, nil
}

func (s *Service) replayCreate(ctx context.Context, req CreateTokenRequest) (*domain.PaymentToken, error) {
	var token *domain.PaymentToken
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := s.repo.GetIdempotencyKey(ctx, tx, req.RestaurantID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrTokenNotFound
		}
		if existing.Fingerprint != req.fingerprint() {
			return domain.ErrIdempotencyConflict
		}
		token, err = s.repo.Get(ctx, existing.TokenID)
		return err
	})
	return token, err
}

// Get returns the display-safe token envelope, never card data.
func (s *Service) Get(ctx context.Context, restaurantID uuid.UUID, tokenID string) (*domain.PaymentToken, error) {
	token, err := s.repo.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token.RestaurantID != restaurantID {
		return nil, domain.ErrTokenNotFound
	}
	return token, nil
}

// List pages through a restaurant's tokens, newest first.
func (s *Service) List(ctx context.Context, restaurantID uuid.UUID, p pagination.Params) (pagination.Page[*domain.PaymentToken], error) {
	var page pagination.Page[*domain.PaymentToken]
	after, err := pagination.Decode(p.PageToken)
	if err != nil {
		return page, err
	}
	limit := p.Limit()
	items, err := s.repo.List(ctx, restaurantID, after, limit+1)
	if err != nil {
		return page, err
	}
	return pagination.NewPage(items, limit, func(t *domain.PaymentToken) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt, ID: t.TokenID}
	}), nil
}

// Decrypt returns clear card data to an allow-listed service acting for the
// tenant that owns the token. Every attempt lands in the audit table
// regardless of outcome.
func (s *Service) Decrypt(ctx context.Context, req DecryptRequest) (*domain.CardData, error) {
	allowed, err := authz.Allowed(s.enforcer, req.ServiceName, authz.ActionDecrypt)
	if err != nil {
		return nil, err
	}
	if !allowed {
		s.audit(ctx, req, false, "forbidden")
		s.countDecrypt("forbidden")
		s.log.Warn("decrypt denied",
			zap.String("service", req.ServiceName),
			zap.String("token_id", req.TokenID),
		)
		return nil, domain.ErrDecryptForbidden
	}

	token, err := s.repo.Get(ctx, req.TokenID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			s.audit(ctx, req, false, "not_found")
			s.countDecrypt("not_found")
		}
		return nil, err
	}
	if token.RestaurantID != req.RestaurantID {
		s.audit(ctx, req, false, "not_owner")
		s.countDecrypt("forbidden")
		s.log.Warn("decrypt denied for foreign tenant",
			zap.String("service", req.ServiceName),
			zap.String("token_id", req.TokenID),
			zap.String("restaurant_id", req.RestaurantID.String()),
		)
		return nil, domain.ErrDecryptForbidden
	}
	if token.Expired(s.clock.Now().UTC()) {
		s.audit(ctx, req, false, "expired")
		s.countDecrypt("expired")
		return nil, domain.ErrTokenExpired
	}

	key, ok := s.keyring.Get(token.KeyVersion)
	if !ok {
		s.audit(ctx, req, false, "key_version_unknown")
		s.countDecrypt("error")
		return nil, domain.ErrKeyVersionUnknown
	}
	plaintext, err := domain.Decrypt(key, token.Ciphertext, token.Nonce)
	if err != nil {
		s.audit(ctx, req, false, "decrypt_failed")
		s.countDecrypt("error")
		return nil, err
	}

	var card domain.CardData
	if err := json.Unmarshal(plaintext, &card); err != nil {
		s.audit(ctx, req, false, "decode_failed")
		s.countDecrypt("error")
		return nil, err
	}

	s.audit(ctx, req, true, "")
	s.countDecrypt("allowed")
	return &card, nil
}

// PurgeExpired removes tokens past their TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

// audit writes outside the request's success path; a failed audit write is
// logged, not returned, so it cannot mask the decrypt outcome.
func (s *Service) audit(ctx context.Context, req DecryptRequest, allowed bool, reason string) {
	err := s.repo.InsertAudit(ctx, &domain.DecryptAudit{
		ID:           s.genID.Generate(),
		TokenID:      req.TokenID,
		RestaurantID: req.RestaurantID,
		ServiceName:  req.ServiceName,
		Allowed:      allowed,
		Reason:       reason,
		RequestID:    req.RequestID,
		CreatedAt:    s.clock.Now().UTC(),
	})
	if err != nil {
		s.log.Error("write decrypt audit", zap.Error(err))
	}
}

func (s *Service) countDecrypt(result string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.TokenDecrypts.WithLabelValues(result).Inc()
}
