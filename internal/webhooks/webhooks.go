// Package webhooks delivers operator alerts as HMAC-signed HTTP POSTs.
//
// Receivers verify X-Rentledger-Signature, which is hex(HMAC-SHA256(secret,
// timestamp + "." + body)), and should reject timestamps older than a few
// minutes.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/retry"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Rentledger-Event"
	HeaderTimestamp = "X-Rentledger-Timestamp"
	HeaderSignature = "X-Rentledger-Signature"
)

// Sink posts events to one operator endpoint.
type Sink struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

// NewSink creates a webhook sink. Delivery is retried on network errors
// and 5xx responses; 4xx responses are final.
func NewSink(url, secret string) *Sink {
	return &Sink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		now: time.Now,
	}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "webhook" }

// Publish implements events.Sink.
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sig := Sign(s.secret, ts, payload)

	return s.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(e.Type))
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, sig)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
	})
}

// Sign computes the signature header value.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time and rejects timestamps outside
// tolerance.
func Verify(secret, timestamp, signature string, payload []byte, tolerance time.Duration, now time.Time) bool {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(sec, 0))
	if age < -tolerance || age > tolerance {
		return false
	}
	want := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
