package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// AuthorizeRequest is the validated ingress request.
type AuthorizeRequest struct {
	RestaurantID   uuid.UUID
	IdempotencyKey string
	PaymentToken   string
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
}

// Fingerprint hashes the economically meaningful fields of the request.
// Replaying an idempotency key with a different fingerprint is a conflict.
func (r AuthorizeRequest) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s",
		r.RestaurantID, r.AmountMinor, r.Currency, r.PaymentToken)))
	return hex.EncodeToString(sum[:])
}

// AuthorizeResult is the ingress outcome. Completed reports whether the
// request reached a terminal status within the fast-path wait, which decides
// the HTTP status (200 vs 202).
type AuthorizeResult struct {
	State     *AuthRequestState
	Completed bool
	Replayed  bool
}

// Service is the authorization ingress and status surface.
type Service interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	GetStatus(ctx context.Context, restaurantID, authRequestID uuid.UUID) (*AuthRequestState, error)
	RequestVoid(ctx context.Context, restaurantID, authRequestID uuid.UUID, reason string) (*AuthRequestState, error)
}
