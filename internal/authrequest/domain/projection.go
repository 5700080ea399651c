package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Apply folds one event into the read model. It is pure over its inputs so
// the projection can be replayed from the log and unit tested without a
// database. The caller persists the mutated state in the same transaction as
// the event append.
func Apply(st *AuthRequestState, eventType string, eventData []byte, sequence int64, at time.Time) error {
	switch eventType {
	case EventAuthRequestCreated:
		var p AuthRequestCreatedPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.AuthRequestID = p.AuthRequestID
		st.RestaurantID = p.RestaurantID
		st.PaymentToken = p.PaymentToken
		st.AmountMinor = p.AmountMinor
		st.Currency = p.Currency
		st.Status = StatusPending
		st.CreatedAt = at

	case EventAuthAttemptStarted:
		var p AuthAttemptStartedPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.Status = StatusProcessing

	case EventAuthResponseReceived:
		var p AuthResponseReceivedPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.Status = p.Status
		st.ProcessorName = p.Result.ProcessorName
		st.ProcessorAuthID = p.Result.ProcessorAuthID
		st.AuthorizationCode = p.Result.AuthorizationCode
		st.AuthorizedAmount = p.Result.AuthorizedAmount
		st.DenialCode = p.Result.DenialCode
		st.DenialReason = p.Result.DenialReason

	case EventAuthAttemptFailed:
		var p AuthAttemptFailedPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.ErrorMessage = p.ErrorMessage
		st.RetryCount = p.RetryCount
		if p.IsRetryable {
			st.Status = StatusProcessing
		} else {
			st.Status = StatusFailed
		}

	case EventAuthVoidRequested:
		// Intent only. The worker decides the outcome; status is unchanged
		// until AuthVoidCompleted or AuthRequestExpired lands.

	case EventAuthVoidCompleted:
		var p AuthVoidCompletedPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.Status = StatusVoided
		if p.ProcessorName != "" {
			st.ProcessorName = p.ProcessorName
		}

	case EventAuthRequestExpired:
		var p AuthRequestExpiredPayload
		if err := json.Unmarshal(eventData, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		st.Status = StatusExpired
		st.DenialReason = p.Reason

	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}

	st.LatestSequence = sequence
	st.UpdatedAt = at
	return nil
}
