package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	ErrTokenNotFound       = errors.New("payment_token_not_found")
	ErrTokenExpired        = errors.New("payment_token_expired")
	ErrDecryptForbidden    = errors.New("payment_token_decrypt_forbidden")
	ErrInvalidCard         = errors.New("invalid_card_data")
	ErrInvalidExpiry       = errors.New("invalid_card_expiry")
	ErrKeyVersionUnknown   = errors.New("encryption_key_version_unknown")
	ErrUnknownKey          = errors.New("unknown_encryption_key")
	ErrDecryptionFailed    = errors.New("payment_data_decryption_failed")
	ErrInvalidEncryption   = errors.New("invalid_encryption_envelope")
	ErrIdempotencyConflict = errors.New("token_idempotency_conflict")
)

// AlgorithmAESGCM is the only cipher accepted in an encryption envelope.
// GCM is authenticated; anything else is rejected before key lookup.
const AlgorithmAESGCM = "AES-256-GCM"

// EncryptionMetadata names the key a client sealed its payload under, for
// the partner-key flow. The IV travels here rather than inside the payload.
type EncryptionMetadata struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
}

func (m *EncryptionMetadata) IVBytes() ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(m.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrInvalidEncryption)
	}
	return iv, nil
}

// PaymentToken is the stored envelope of one tokenized card. The card data
// itself lives only in Ciphertext; the clear columns are display-safe.
type PaymentToken struct {
	TokenID      string    `json:"token_id" gorm:"primaryKey;type:text"`
	RestaurantID uuid.UUID `json:"restaurant_id" gorm:"index;not null"`

	Ciphertext  []byte `json:"-" gorm:"type:bytea;not null"`
	Nonce       []byte `json:"-" gorm:"type:bytea;not null"`
	KeyVersion  int    `json:"key_version" gorm:"not null"`
	DeviceToken string `json:"-" gorm:"type:text"`
	OriginKeyID string `json:"-" gorm:"type:text"`

	CardBrand   string `json:"card_brand" gorm:"type:text"`
	Last4       string `json:"last4" gorm:"type:text"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`

	Metadata  datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	ExpiresAt time.Time      `json:"expires_at" gorm:"not null;index"`
}

func (PaymentToken) TableName() string { return "payment_tokens" }

func (t *PaymentToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// TokenIdempotencyKey makes token creation replay-safe per restaurant.
type TokenIdempotencyKey struct {
	RestaurantID   uuid.UUID `json:"restaurant_id" gorm:"primaryKey;type:uuid"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"primaryKey;type:text;column:idempotency_key"`
	TokenID        string    `json:"token_id" gorm:"type:text;not null"`
	Fingerprint    string    `json:"fingerprint" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"not null"`
}

func (TokenIdempotencyKey) TableName() string { return "token_idempotency_keys" }

// DecryptAudit records every decrypt attempt, allowed or not.
type DecryptAudit struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	TokenID      string       `json:"token_id" gorm:"index;type:text;not null"`
	RestaurantID uuid.UUID    `json:"restaurant_id" gorm:"type:uuid"`
	ServiceName  string       `json:"service_name" gorm:"type:text;not null"`
	Allowed      bool         `json:"allowed" gorm:"not null"`
	Reason       string       `json:"reason" gorm:"type:text"`
	RequestID    string       `json:"request_id" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
}

func (DecryptAudit) TableName() string { return "decrypt_audit_log" }

// EncryptionKey is version bookkeeping for the keyring. Only a SHA-256
// fingerprint of the key material is stored; the key itself stays in
// configuration.
type EncryptionKey struct {
	Version   int        `json:"version" gorm:"primaryKey"`
	KeyHash   string     `json:"key_hash" gorm:"type:text;not null"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

func (EncryptionKey) TableName() string { return "encryption_keys" }

// CardData is the clear card payload accepted at tokenization and returned
// from an authorized decrypt. Never persisted, never logged.
type CardData struct {
	CardNumber     string `json:"card_number"`
	ExpiryMonth    int    `json:"expiry_month"`
	ExpiryYear     int    `json:"expiry_year"`
	CVV            string `json:"cvv"`
	CardholderName string `json:"cardholder_name,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
}

// Validate checks the structural card fields. A Luhn failure is treated the
// same as any other malformed number.
func (c *CardData) Validate(now time.Time) error {
	c.CardNumber = strings.ReplaceAll(strings.TrimSpace(c.CardNumber), " ", "")
	if len(c.CardNumber) < 12 || len(c.CardNumber) > 19 || !luhnValid(c.CardNumber) {
		return ErrInvalidCard
	}
	if len(c.CVV) < 3 || len(c.CVV) > 4 {
		return ErrInvalidCard
	}
	if c.ExpiryMonth < 1 || c.ExpiryMonth > 12 {
		return ErrInvalidExpiry
	}
	if c.ExpiryYear < 100 {
		c.ExpiryYear += 2000
	}
	endOfMonth := time.Date(c.ExpiryYear, time.Month(c.ExpiryMonth), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, 0)
	if !endOfMonth.After(now) {
		return ErrInvalidExpiry
	}
	return nil
}

// Brand infers the card network from the number prefix, display use only.
func (c *CardData) Brand() string {
	switch {
	case strings.HasPrefix(c.CardNumber, "4"):
		return "visa"
	case hasPrefixInRange(c.CardNumber, 51, 55) || hasPrefixInRange(c.CardNumber, 2221, 2720):
		return "mastercard"
	case strings.HasPrefix(c.CardNumber, "34"), strings.HasPrefix(c.CardNumber, "37"):
		return "amex"
	case strings.HasPrefix(c.CardNumber, "6011"), strings.HasPrefix(c.CardNumber, "65"):
		return "discover"
	default:
		return "unknown"
	}
}

func (c *CardData) Last4() string {
	if len(c.CardNumber) < 4 {
		return ""
	}
	return c.CardNumber[len(c.CardNumber)-4:]
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		r := number[i]
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func hasPrefixInRange(number string, lo, hi int) bool {
	width := len(itoa(lo))
	if len(number) < width {
		return false
	}
	prefix := 0
	for _, r := range number[:width] {
		if r < '0' || r > '9' {
			return false
		}
		prefix = prefix*10 + int(r-'0')
	}
	return prefix >= lo && prefix <= hi
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{byte('0' + n%10)}, out...)
		n /= 10
	}
	return string(out)
}
