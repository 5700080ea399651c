package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/processor/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "mock"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentProcessor, error) {
	adapter := &Adapter{latency: 40 * time.Millisecond}
	if raw, ok := cfg.Config["latency_ms"]; ok {
		if ms, ok := raw.(float64); ok && ms >= 0 {
			adapter.latency = time.Duration(ms) * time.Millisecond
		}
	}
	return adapter, nil
}

// Adapter simulates a card processor. Behavior is keyed off well-known test
// card numbers; any unrecognized card authorizes.
type Adapter struct {
	latency time.Duration
}

type denial struct {
	code   string
	reason string
}

var denials = map[string]denial{
	"4000000000000002": {"generic_decline", "Your card was declined."},
	"4000000000009995": {"insufficient_funds", "Your card has insufficient funds."},
	"4000000000000069": {"expired_card", "Your card has expired."},
	"4000000000000127": {"incorrect_cvc", "Your card's security code is incorrect."},
	"4000000000000341": {"lost_card", "Your card was declined."},
	"4000000000000226": {"fraudulent", "Your card was declined."},
	"4000002500003155": {"requires_action", "This card requires additional authentication."},
}

func (a *Adapter) Name() string { return "mock" }

func (a *Adapter) Authorize(ctx context.Context, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, domain.Transient("timeout", err)
	}

	now := time.Now().UTC()
	card := strings.TrimSpace(req.Payment.CardNumber)

	switch card {
	case "4000000000000119":
		return nil, domain.Transient("processing_error", errors.New("simulated processor timeout"))
	case "4000000000009987":
		return nil, domain.Transient("rate_limit", errors.New("simulated rate limit"))
	}

	if d, ok := denials[card]; ok {
		return &domain.AuthorizationResult{
			Status:        domain.StatusDenied,
			ProcessorName: a.Name(),
			Currency:      req.Currency,
			DenialCode:    d.code,
			DenialReason:  d.reason,
		}, nil
	}

	return &domain.AuthorizationResult{
		Status:            domain.StatusAuthorized,
		ProcessorName:     a.Name(),
		ProcessorAuthID:   "mock_auth_" + uuid.NewString(),
		AuthorizationCode: authCode(card),
		AuthorizedAmount:  req.AmountMinor,
		Currency:          req.Currency,
		AuthorizedAt:      now,
	}, nil
}

func (a *Adapter) Void(ctx context.Context, processorAuthID string) (*domain.VoidResult, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, domain.Transient("timeout", err)
	}
	if !strings.HasPrefix(processorAuthID, "mock_auth_") {
		return nil, domain.Fatal("not_found", errors.New("unknown authorization id"))
	}
	return &domain.VoidResult{
		ProcessorName:   a.Name(),
		ProcessorVoidID: "mock_void_" + uuid.NewString(),
		VoidedAt:        time.Now().UTC(),
	}, nil
}

func (a *Adapter) sleep(ctx context.Context) error {
	if a.latency <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(a.latency)/2 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.latency + jitter):
		return nil
	}
}

// authCode is stable per card so replays of the reference cards are easy to
// assert against. The canonical success card always yields 123456.
func authCode(card string) string {
	if card == "4242424242424242" || len(card) < 6 {
		return "123456"
	}
	return fmt.Sprintf("%06d", hash(card)%1000000)
}

func hash(s string) int {
	h := 0
	for _, r := range s {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}
