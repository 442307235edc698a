package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/model"
)

// Event types.
const (
	EventAssignment = "assignment"
	EventDecision   = "decision"
	EventEscalation = "escalation"
)

// Event is a notification emitted by the engine: a step landed on an
// approver's desk, a terminal decision was reached, or an instance was
// escalated.
type Event struct {
	Type         string         `json:"type"`
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	Category     string         `json:"category"`
	State        string         `json:"state"`
	Assignee     model.Assignee `json:"assignee,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	Level        int            `json:"level,omitempty"`
	At           time.Time      `json:"at"`
}

// Notifier delivers events to interested parties. Delivery is best-effort:
// the engine never blocks or fails an instance mutation on a notifier
// error.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// --- LogNotifier ---

// LogNotifier writes events to the structured log. The default when no
// webhook is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info("notification",
		zap.String("type", ev.Type),
		zap.String("instance_id", ev.InstanceID),
		zap.String("definition_id", ev.DefinitionID),
		zap.String("state", ev.State),
		zap.String("assignee_type", ev.Assignee.Type),
		zap.String("assignee", ev.Assignee.Value),
		zap.String("decision", ev.Decision),
		zap.Int("level", ev.Level),
	)
	return nil
}

// --- WebhookNotifier ---

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URL              string
	Timeout          time.Duration
	MaxRetries       uint64
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// WebhookNotifier POSTs events as JSON to a configured endpoint. Each
// delivery retries with exponential backoff; the endpoint is guarded by a
// circuit breaker so a dead receiver does not pile up goroutines.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries uint64
	cb         *breaker
	log        *zap.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(cfg WebhookConfig, log *zap.Logger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookNotifier{
		url:        cfg.URL,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		cb:         newBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout),
		log:        log,
	}
}

// Notify delivers the event, retrying transient failures with exponential
// backoff. When the breaker is open the event is dropped with an error.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if err := n.cb.allow(); err != nil {
		return model.NewEscalationDeliveryFailedError(err.Error())
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	op := func() error {
		return n.post(ctx, body)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		n.cb.recordFailure()
		n.log.Warn("notification delivery failed",
			zap.String("type", ev.Type),
			zap.String("instance_id", ev.InstanceID),
			zap.String("breaker", n.cb.currentState().String()),
			zap.Error(err),
		)
		return model.NewEscalationDeliveryFailedError(err.Error())
	}

	n.cb.recordSuccess()
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying cannot help.
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// BreakerState exposes the circuit state for readiness reporting.
func (n *WebhookNotifier) BreakerState() BreakerState {
	return n.cb.currentState()
}
