package health

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// NotificationChannel delivers triggered alerts. Accepts filters before
// delivery; Send must be safe for concurrent use.
type NotificationChannel interface {
	Name() string
	Accepts(alert *Alert) bool
	Send(ctx context.Context, alert *Alert) error
}

// LogChannel writes alerts to the structured log. It accepts everything at
// or above its minimum severity.
type LogChannel struct {
	logger      observability.Logger
	minSeverity Severity
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger observability.Logger, minSeverity Severity) *LogChannel {
	if logger == nil {
		logger = observability.NewStandardLogger("alerts")
	}
	return &LogChannel{logger: logger, minSeverity: minSeverity}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Accepts(alert *Alert) bool {
	return severityRank(alert.Severity) >= severityRank(c.minSeverity)
}

func (c *LogChannel) Send(ctx context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert_id":   alert.ID,
		"rule":       alert.RuleID,
		"project_id": alert.ProjectID,
		"value":      alert.CurrentValue,
		"threshold":  alert.Threshold,
	}
	if alert.Severity == SeverityCritical {
		c.logger.Error(alert.Message, fields)
	} else {
		c.logger.Warn(alert.Message, fields)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint. Deliveries run
// behind their own circuit breaker so a dead endpoint cannot pile up
// blocked evaluation passes, with a couple of quick retries underneath.
type WebhookChannel struct {
	url         string
	minSeverity Severity
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	retries     int
	retryDelay  time.Duration
	logger      observability.Logger
}

// NewWebhookChannel creates a webhook channel for the URL.
func NewWebhookChannel(url string, minSeverity Severity, logger observability.Logger) *WebhookChannel {
	if logger == nil {
		logger = observability.NewStandardLogger("alert-webhook")
	}
	return &WebhookChannel{
		url:         url,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alert-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		retries:    2,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Accepts(alert *Alert) bool {
	return c.url != "" && severityRank(alert.Severity) >= severityRank(c.minSeverity)
}

func (c *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		var last error
		for attempt := 0; attempt <= c.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(c.retryDelay):
				}
			}
			if last = c.post(ctx, body); last == nil {
				return nil, nil
			}
		}
		return nil, last
	})
	return err
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook delivery failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
