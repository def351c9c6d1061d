// Package webhook delivers signed conjunction change notifications over HTTP.
package webhook

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
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/perigeelabs/perigee/internal/conjunction"
)

const httpTimeout = 10 * time.Second

// Event types carried in the X-Event-Type header.
const (
	EventCreated = "conjunction.created"
	EventChanged = "conjunction.changed"
)

// Payload is the JSON body of a delivery.
type Payload struct {
	EventType string             `json:"event_type"`
	Event     *conjunction.Event `json:"event"`
	Update    conjunction.Update `json:"update"`
	SentAt    time.Time          `json:"sent_at"`
}

// Notifier posts conjunction changes to a webhook endpoint, signing each
// body with HMAC-SHA256 so the receiver can verify origin. Implements
// conjunction.Notifier.
type Notifier struct {
	url     string
	secret  []byte
	client  *http.Client
	metrics *conjunction.Metrics
	logger  log.Logger
}

// New creates a webhook notifier. If url is empty, deliveries are no-ops.
// metrics may be nil.
func New(url, secret string, metrics *conjunction.Metrics, logger log.Logger) *Notifier {
	return &Notifier{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: httpTimeout},
		metrics: metrics,
		logger:  logger,
	}
}

// EventChanged delivers one change. The update is already durable when this
// runs, so a failed delivery is logged and counted, never propagated.
func (n *Notifier) EventChanged(ctx context.Context, e *conjunction.Event, u conjunction.Update, created bool) {
	if n.url == "" {
		return
	}

	eventType := EventChanged
	if created {
		eventType = EventCreated
	}

	err := n.deliver(ctx, eventType, e, u)
	status := "ok"
	if err != nil {
		status = "error"
		n.logger.Error(ctx, err, "webhook delivery failed", "event_id", e.ID, "event_type", eventType)
	}
	if n.metrics != nil {
		n.metrics.NotifiesTotal.WithLabelValues(status).Inc()
	}
}

func (n *Notifier) deliver(ctx context.Context, eventType string, e *conjunction.Event, u conjunction.Update) error {
	body, err := json.Marshal(Payload{
		EventType: eventType,
		Event:     e,
		Update:    u,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Signature", Sign(n.secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature carried in X-Signature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body. For receivers.
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
