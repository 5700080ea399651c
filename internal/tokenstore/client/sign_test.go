package client

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func timestamp(at time.Time) string {
	return strconv.FormatInt(at.Unix(), 10)
}

func TestSignAndVerify(t *testing.T) {
	now := time.Now()
	sig := Sign("secret", "auth-processor-worker", "pt_abc", now)
	ts := timestamp(now)

	assert.True(t, Verify("secret", "auth-processor-worker", "pt_abc", ts, sig, now))
	assert.False(t, Verify("other-secret", "auth-processor-worker", "pt_abc", ts, sig, now))
	assert.False(t, Verify("secret", "other-service", "pt_abc", ts, sig, now))
	assert.False(t, Verify("secret", "auth-processor-worker", "pt_other", ts, sig, now))
}

func TestVerify_RejectsStaleTimestamp(t *testing.T) {
	signedAt := time.Now().Add(-MaxClockSkew - time.Minute)
	sig := Sign("secret", "auth-processor-worker", "pt_abc", signedAt)

	assert.False(t, Verify("secret", "auth-processor-worker", "pt_abc", timestamp(signedAt), sig, time.Now()))
}

func TestVerify_RejectsGarbageTimestamp(t *testing.T) {
	sig := Sign("secret", "auth-processor-worker", "pt_abc", time.Now())
	assert.False(t, Verify("secret", "auth-processor-worker", "pt_abc", "not-a-number", sig, time.Now()))
}
