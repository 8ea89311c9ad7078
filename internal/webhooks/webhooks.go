// Package webhooks delivers engine events to registered HTTP endpoints.
//
// Each delivery is a JSON POST of the engine.Event, signed with
// HMAC-SHA256 over the body using the subscription's secret. Receivers
// verify the X-Autonomy-Signature header with Verify.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/autonomy/internal/circuitbreaker"
	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/metrics"
	"github.com/mbd888/autonomy/internal/security"
	"github.com/mbd888/autonomy/internal/syncutil"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Autonomy-Event"
	HeaderDelivery  = "X-Autonomy-Delivery"
	HeaderTimestamp = "X-Autonomy-Timestamp"
	HeaderSignature = "X-Autonomy-Signature"
)

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string             `json:"id"`
	URL                 string             `json:"url"`
	Secret              string             `json:"-"`
	Events              []engine.EventType `json:"events"`
	Active              bool               `json:"active"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastSuccess         *time.Time         `json:"lastSuccess,omitempty"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t engine.EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType engine.EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls redelivery of failed requests.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// An endpoint that fails BreakerThreshold deliveries in a row is skipped
// for BreakerOpenDuration before a single trial delivery is tried.
const (
	BreakerThreshold    = 3
	BreakerOpenDuration = time.Minute
)

// ErrCircuitOpen is returned for deliveries skipped by an open circuit.
var ErrCircuitOpen = errors.New("webhooks: endpoint circuit open")

// DefaultRetryConfig retries twice with backoff starting at 500ms.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Dispatcher sends engine events to subscribed endpoints. It implements
// engine.Notifier.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
	breaker      *circuitbreaker.Breaker
	clock        func() time.Time
	logger       *slog.Logger

	// serializes read-modify-write of each subscription's delivery state
	locks *syncutil.KeyedMutex
}

var _ engine.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with DefaultRetryConfig.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig, logger)
}

// NewDispatcherWithRetry creates a dispatcher with a custom retry policy.
func NewDispatcherWithRetry(store Store, cfg RetryConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger = logger.With("component", "webhooks")
	breaker := circuitbreaker.New("webhooks", BreakerThreshold, BreakerOpenDuration).
		OnTransition(func(id string, from, to circuitbreaker.State) {
			logger.Info("webhook circuit changed", "webhookId", id, "from", from.String(), "to", to.String())
		})
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        cfg,
		urlValidator: security.ValidateEndpointURL,
		breaker:      breaker,
		locks:        syncutil.NewKeyedMutex(0),
		clock:        time.Now,
		logger:       logger,
	}
}

// Notify delivers event to every active subscription that wants it. It
// waits for all deliveries and returns an error if any failed.
func (d *Dispatcher) Notify(ctx context.Context, event engine.Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.deliver(ctx, sub, event, payload); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d webhook deliveries failed for %s", failed, len(subs), event.Type)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event engine.Event, payload []byte) error {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		return ErrCircuitOpen
	}

	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		d.recordFailure(ctx, sub.ID, fmt.Sprintf("url rejected: %v", err))
		return err
	}

	err := withBackoff(ctx, d.retry, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhookId", sub.ID,
			"event", event.Type,
			"eventId", event.ID,
			"error", err,
		)
		d.breaker.RecordFailure(sub.ID)
		d.recordFailure(ctx, sub.ID, err.Error())
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.breaker.RecordSuccess(sub.ID)
	d.recordSuccess(ctx, sub.ID)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event engine.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	d.update(ctx, id, func(sub *Subscription) {
		now := d.clock()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, id, msg string) {
	d.update(ctx, id, func(sub *Subscription) {
		sub.LastError = msg
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
			sub.Active = false
			d.logger.Warn("webhook disabled after repeated failures", "webhookId", sub.ID, "failures", sub.ConsecutiveFailures)
		}
	})
}

func (d *Dispatcher) update(ctx context.Context, id string, fn func(*Subscription)) {
	unlock, err := d.locks.Lock(ctx, id)
	if err != nil {
		d.logger.Warn("failed to update webhook state", "webhookId", id, "error", err)
		return
	}
	defer unlock()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		// Deleted while the delivery was in flight.
		return
	}
	fn(sub)
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook state", "webhookId", id, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the valid signature of payload.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
