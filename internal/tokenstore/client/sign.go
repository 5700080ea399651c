package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names for service-to-service token store calls.
const (
	HeaderServiceName = "X-Service-Name"
	HeaderTimestamp   = "X-Auth-Timestamp"
	HeaderSignature   = "X-Service-Auth"
)

// MaxClockSkew bounds how stale a signed request may be.
const MaxClockSkew = 5 * time.Minute

// Sign computes the request signature over the caller identity, the
// request time and the token being addressed.
func Sign(secret, serviceName, tokenID string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(serviceName))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(at.Unix(), 10)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(tokenID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature and its freshness.
func Verify(secret, serviceName, tokenID, timestamp, signature string, now time.Time) bool {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	at := time.Unix(unix, 0)
	if at.Before(now.Add(-MaxClockSkew)) || at.After(now.Add(MaxClockSkew)) {
		return false
	}
	expected := Sign(secret, serviceName, tokenID, at)
	return hmac.Equal([]byte(expected), []byte(signature))
}
