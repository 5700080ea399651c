package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payauth/internal/processor/domain"
)

const apiBase = "https://api.stripe.com/v1"

type Factory struct {
	strictInvalidRequest bool
}

type FactoryOption func(*Factory)

// WithStrictInvalidRequest treats Stripe invalid_request_error responses as
// fatal instead of retryable. Off by default: an ambiguous 400 is more
// often a transient processor quirk than a malformed request.
func WithStrictInvalidRequest(strict bool) FactoryOption {
	return func(f *Factory) { f.strictInvalidRequest = strict }
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentProcessor, error) {
	apiKey, ok := readString(cfg.Config, "api_key")
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}

	adapter := &Adapter{
		apiKey:  apiKey,
		baseURL: apiBase,
		strict:  f.strictInvalidRequest,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	if base, ok := readString(cfg.Config, "api_base"); ok && strings.TrimSpace(base) != "" {
		adapter.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return adapter, nil
}

type Adapter struct {
	apiKey  string
	baseURL string
	strict  bool
	client  *http.Client
}

func (a *Adapter) Name() string { return "stripe" }

// Authorize creates and confirms a manual-capture PaymentIntent, which is
// Stripe's shape of an authorization hold.
func (a *Adapter) Authorize(ctx context.Context, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("capture_method", "manual")
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", req.Payment.CardNumber)
	form.Set("payment_method_data[card][exp_month]", strconv.Itoa(req.Payment.ExpiryMonth))
	form.Set("payment_method_data[card][exp_year]", strconv.Itoa(req.Payment.ExpiryYear))
	form.Set("payment_method_data[card][cvc]", req.Payment.CVV)
	if req.StatementDescriptor != "" {
		form.Set("statement_descriptor_suffix", req.StatementDescriptor)
	}
	for key, value := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var intent paymentIntent
	if err := a.call(ctx, http.MethodPost, "/payment_intents", form, req.AuthRequestID, &intent); err != nil {
		return a.classifyDenial(err, req.Currency)
	}

	switch intent.Status {
	case "requires_capture":
		return &domain.AuthorizationResult{
			Status:            domain.StatusAuthorized,
			ProcessorName:     a.Name(),
			ProcessorAuthID:   intent.ID,
			AuthorizationCode: intent.LatestCharge.AuthorizationCode,
			AuthorizedAmount:  intent.Amount,
			Currency:          strings.ToUpper(intent.Currency),
			AuthorizedAt:      time.Unix(intent.Created, 0).UTC(),
		}, nil
	case "requires_action", "requires_confirmation", "requires_payment_method":
		// No 3DS flow on this channel: anything needing further customer
		// interaction is a denial.
		return &domain.AuthorizationResult{
			Status:        domain.StatusDenied,
			ProcessorName: a.Name(),
			Currency:      strings.ToUpper(intent.Currency),
			DenialCode:    "requires_action",
			DenialReason:  "This card requires additional authentication.",
		}, nil
	default:
		return nil, domain.Transient("processing_error",
			fmt.Errorf("unexpected payment intent status %q", intent.Status))
	}
}

func (a *Adapter) Void(ctx context.Context, processorAuthID string) (*domain.VoidResult, error) {
	if strings.TrimSpace(processorAuthID) == "" {
		return nil, domain.Fatal("invalid_request", errors.New("empty processor auth id"))
	}
	var intent paymentIntent
	path := "/payment_intents/" + url.PathEscape(processorAuthID) + "/cancel"
	if err := a.call(ctx, http.MethodPost, path, url.Values{}, processorAuthID+":void", &intent); err != nil {
		return nil, err
	}
	return &domain.VoidResult{
		ProcessorName:   a.Name(),
		ProcessorVoidID: intent.ID,
		VoidedAt:        time.Now().UTC(),
	}, nil
}

type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Created      int64  `json:"created"`
	LatestCharge struct {
		AuthorizationCode string `json:"authorization_code"`
	} `json:"latest_charge"`
}

type apiError struct {
	status int
	body   errorBody
}

type errorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("stripe %d %s: %s", e.status, e.body.Error.Type, e.body.Error.Message)
}

func (a *Adapter) call(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Fatal("invalid_request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.Transient("network_error", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Transient("network_error", err)
	}

	if resp.StatusCode >= 400 {
		var body errorBody
		_ = json.Unmarshal(raw, &body)
		return a.classify(&apiError{status: resp.StatusCode, body: body})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Transient("processing_error", err)
	}
	return nil
}

// classify maps a Stripe error response onto the retry taxonomy.
func (a *Adapter) classify(err *apiError) error {
	switch {
	case err.status == http.StatusPaymentRequired || err.body.Error.Type == "card_error":
		// Card declines surface through classifyDenial as a DENIED result.
		return err
	case err.status == http.StatusTooManyRequests:
		return domain.Transient("rate_limit", err)
	case err.status >= 500:
		return domain.Transient("processing_error", err)
	case err.status == http.StatusUnauthorized || err.body.Error.Type == "authentication_error":
		return domain.Fatal("authentication_error", err)
	case err.body.Error.Type == "invalid_request_error":
		if a.strict {
			return domain.Fatal("invalid_request", err)
		}
		return domain.Transient("invalid_request", err)
	default:
		return domain.Transient("processing_error", err)
	}
}

// classifyDenial converts a card_error into a denial result; everything
// else passes through as the classified error.
func (a *Adapter) classifyDenial(err error, currency string) (*domain.AuthorizationResult, error) {
	var api *apiError
	if !errors.As(err, &api) {
		return nil, err
	}
	if api.body.Error.Type != "card_error" && api.status != http.StatusPaymentRequired {
		return nil, err
	}
	code := api.body.Error.DeclineCode
	if code == "" {
		code = api.body.Error.Code
	}
	if code == "" {
		code = "generic_decline"
	}
	reason := api.body.Error.Message
	if reason == "" {
		reason = "Your card was declined."
	}
	return &domain.AuthorizationResult{
		Status:        domain.StatusDenied,
		ProcessorName: a.Name(),
		Currency:      strings.ToUpper(currency),
		DenialCode:    code,
		DenialReason:  reason,
	}, nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
