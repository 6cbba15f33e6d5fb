package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WebhookSignature additionally validates HMAC signatures on webhook
// deliveries when a secret is configured.
type WebhookSignature struct {
	Secret  []byte
	MaxSkew time.Duration
}

// NewWebhookSignature constructs the signature middleware.
func NewWebhookSignature(secret []byte, maxSkew time.Duration) *WebhookSignature {
	return &WebhookSignature{Secret: secret, MaxSkew: maxSkew}
}

// Wrap enforces signature validation. An empty secret disables the check.
func (m *WebhookSignature) Wrap(next http.Handler) http.Handler {
	if m == nil || len(m.Secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamp := strings.TrimSpace(r.Header.Get("X-Webhook-Timestamp"))
		signature := strings.TrimSpace(r.Header.Get("X-Webhook-Signature"))
		if timestamp == "" || signature == "" {
			unauthorized(w, "missing webhook signature")
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			unauthorized(w, "invalid webhook timestamp")
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if m.MaxSkew > 0 && skew > m.MaxSkew {
			unauthorized(w, "webhook signature expired")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		expected := SignWebhook(m.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			unauthorized(w, "invalid webhook signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// SignWebhook computes the hex HMAC-SHA256 of timestamp and body.
func SignWebhook(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
