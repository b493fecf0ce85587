package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// Severity ranks alerts for channel filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for channel thresholds.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert states.
const (
	StateActive       = "active"
	StateAcknowledged = "acknowledged"
	StateResolved     = "resolved"
	StateSuppressed   = "suppressed"
)

// Operator compares a metric value against a rule threshold.
type Operator string

const (
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

func (op Operator) compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// AlertRule describes one threshold. Extract wins over MetricPath when set;
// either way a missing metric skips the evaluation rather than triggering.
type AlertRule struct {
	ID         string
	Name       string
	MetricPath string
	Extract    func(snapshot map[string]float64) (float64, bool)
	Operator   Operator
	Threshold  float64
	Severity   Severity
	// ProjectID scopes the alert; empty means the configured system project.
	ProjectID string
	// Cooldown suppresses re-creation after a trigger. Zero uses the default.
	Cooldown time.Duration
	Enabled  bool
}

func (r *AlertRule) value(snapshot map[string]float64) (float64, bool) {
	if r.Extract != nil {
		return r.Extract(snapshot)
	}
	v, ok := snapshot[r.MetricPath]
	return v, ok
}

// Alert is one triggered rule instance.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	ProjectID      string     `json:"project_id"`
	Severity       Severity   `json:"severity"`
	State          string     `json:"state"`
	Message        string     `json:"message"`
	CurrentValue   float64    `json:"current_value"`
	Threshold      float64    `json:"threshold"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// SnapshotFunc supplies the metric view rules evaluate against.
type SnapshotFunc func() map[string]float64

// AlertManagerConfig configures evaluation.
type AlertManagerConfig struct {
	// EvaluationInterval is the loop period.
	EvaluationInterval time.Duration
	// DefaultCooldown applies to rules without their own.
	DefaultCooldown time.Duration
	// SystemProjectID tags infrastructure alerts that belong to no tenant.
	SystemProjectID string

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// AlertManager evaluates rules against metric snapshots and manages alert
// lifecycles: trigger, update, auto-resolve, acknowledge, resolve, suppress.
type AlertManager struct {
	snapshot SnapshotFunc
	config   AlertManagerConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
	now      func() time.Time

	mu              sync.Mutex
	rules           map[string]*AlertRule
	channels        []NotificationChannel
	active          map[string]*Alert // keyed by rule|project
	history         []*Alert
	suppressedUntil map[string]time.Time
	lastTriggered   map[string]time.Time
}

const alertHistoryLimit = 1000

// NewAlertManager creates a manager over the given snapshot source.
func NewAlertManager(snapshot SnapshotFunc, config AlertManagerConfig) *AlertManager {
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 60 * time.Second
	}
	if config.DefaultCooldown <= 0 {
		config.DefaultCooldown = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("alert-manager")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AlertManager{
		snapshot:        snapshot,
		config:          config,
		logger:          config.Logger,
		metrics:         config.Metrics,
		now:             config.Now,
		rules:           make(map[string]*AlertRule),
		active:          make(map[string]*Alert),
		suppressedUntil: make(map[string]time.Time),
		lastTriggered:   make(map[string]time.Time),
	}
}

// AddRule installs or replaces a rule.
func (m *AlertManager) AddRule(rule *AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
}

// RemoveRule deletes a rule. Its active alert, if any, stays until resolved.
func (m *AlertManager) RemoveRule(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, ruleID)
}

// Rules returns the installed rules.
func (m *AlertManager) Rules() []*AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out
}

// AddChannel attaches a notification channel.
func (m *AlertManager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Run evaluates on the configured interval until the context is cancelled.
func (m *AlertManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		m.EvaluateOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// EvaluateOnce runs one evaluation pass over every enabled rule.
func (m *AlertManager) EvaluateOnce(ctx context.Context) {
	snapshot := m.snapshot()
	now := m.now().UTC()

	m.mu.Lock()
	rules := make([]*AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.Unlock()

	for _, rule := range rules {
		m.evaluateRule(ctx, rule, snapshot, now)
	}
}

func (m *AlertManager) evaluateRule(ctx context.Context, rule *AlertRule, snapshot map[string]float64, now time.Time) {
	if !rule.Enabled {
		return
	}

	m.mu.Lock()
	if until, ok := m.suppressedUntil[rule.ID]; ok && now.Before(until) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	value, ok := rule.value(snapshot)
	if !ok {
		return
	}

	key := m.alertKey(rule)
	if !rule.Operator.compare(value, rule.Threshold) {
		m.resolveByKey(key, StateResolved, now)
		return
	}

	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		existing.CurrentValue = value
		existing.UpdatedAt = now
		m.mu.Unlock()
		return
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = m.config.DefaultCooldown
	}
	if last, ok := m.lastTriggered[rule.ID]; ok && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		ProjectID:    m.projectFor(rule),
		Severity:     rule.Severity,
		State:        StateActive,
		Message:      fmt.Sprintf("%s: %.4g %s %.4g", rule.Name, value, rule.Operator, rule.Threshold),
		CurrentValue: value,
		Threshold:    rule.Threshold,
		TriggeredAt:  now,
		UpdatedAt:    now,
	}
	m.active[key] = alert
	m.lastTriggered[rule.ID] = now
	m.history = append(m.history, alert)
	if len(m.history) > alertHistoryLimit {
		m.history = m.history[len(m.history)-alertHistoryLimit:]
	}
	channels := make([]NotificationChannel, len(m.channels))
	copy(channels, m.channels)
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("alerts.triggered", 1, map[string]string{
		"rule":     rule.ID,
		"severity": string(rule.Severity),
	})
	m.logger.Warn("Alert triggered", map[string]interface{}{
		"rule":       rule.ID,
		"project_id": alert.ProjectID,
		"value":      value,
		"threshold":  rule.Threshold,
	})

	for _, ch := range channels {
		if !ch.Accepts(alert) {
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Error("Alert notification failed", map[string]interface{}{
				"channel": ch.Name(),
				"alert":   alert.ID,
				"error":   err.Error(),
			})
			m.metrics.IncrementCounterWithLabels("alerts.notify_failed", 1, map[string]string{
				"channel": ch.Name(),
			})
		}
	}
}

func (m *AlertManager) projectFor(rule *AlertRule) string {
	if rule.ProjectID != "" {
		return rule.ProjectID
	}
	return m.config.SystemProjectID
}

func (m *AlertManager) alertKey(rule *AlertRule) string {
	return rule.ID + "|" + m.projectFor(rule)
}

// resolveByKey closes the active alert under the key, if any.
func (m *AlertManager) resolveByKey(key, state string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.active[key]
	if !ok {
		return
	}
	alert.State = state
	alert.UpdatedAt = now
	alert.ResolvedAt = &now
	delete(m.active, key)
}

// ActiveAlerts returns the alerts currently firing.
func (m *AlertManager) ActiveAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}

// History returns the bounded alert history, oldest first.
func (m *AlertManager) History() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, len(m.history))
	copy(out, m.history)
	return out
}

// Acknowledge moves an active alert to acknowledged.
func (m *AlertManager) Acknowledge(alertID, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.active {
		if alert.ID != alertID {
			continue
		}
		if alert.State != StateActive {
			return errors.Errorf("alert %s is %s, not active", alertID, alert.State)
		}
		alert.State = StateAcknowledged
		alert.AcknowledgedBy = by
		alert.UpdatedAt = m.now().UTC()
		return nil
	}
	return errors.Errorf("alert %s not found", alertID)
}

// Resolve closes an active or acknowledged alert.
func (m *AlertManager) Resolve(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, alert := range m.active {
		if alert.ID != alertID {
			continue
		}
		now := m.now().UTC()
		alert.State = StateResolved
		alert.UpdatedAt = now
		alert.ResolvedAt = &now
		delete(m.active, key)
		return nil
	}
	return errors.Errorf("alert %s not found", alertID)
}

// Suppress mutes a rule for the given number of hours and closes its active
// alert as suppressed.
func (m *AlertManager) Suppress(ruleID string, hours int) error {
	if hours < 1 {
		return errors.Errorf("suppression hours must be positive, got %d", hours)
	}

	m.mu.Lock()
	rule, ok := m.rules[ruleID]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("rule %s not found", ruleID)
	}
	now := m.now().UTC()
	m.suppressedUntil[ruleID] = now.Add(time.Duration(hours) * time.Hour)
	key := m.alertKey(rule)
	m.mu.Unlock()

	m.resolveByKey(key, StateSuppressed, now)
	m.logger.Info("Alert rule suppressed", map[string]interface{}{
		"rule":  ruleID,
		"hours": hours,
	})
	return nil
}

// DefaultRules returns the stock rule set over the monitor snapshot paths.
func DefaultRules() []*AlertRule {
	return []*AlertRule{
		{
			ID: "memory-usage", Name: "Memory usage above 90%",
			MetricPath: "redis.memory.used_percent",
			Operator:   OpGreaterThan, Threshold: 90,
			Severity: SeverityCritical, Enabled: true,
		},
		{
			ID: "memory-fragmentation", Name: "Memory fragmentation ratio high",
			MetricPath: "redis.memory.fragmentation_ratio",
			Operator:   OpGreaterThan, Threshold: 1.5,
			Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "connection-saturation", Name: "Connected clients near limit",
			MetricPath: "redis.clients.connected",
			Operator:   OpGreaterThan, Threshold: 5000,
			Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "get-latency", Name: "GET p95 latency high",
			MetricPath: "commands.get.p95_ms",
			Operator:   OpGreaterThan, Threshold: 50,
			Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "rate-limit-fail-open", Name: "Rate limiter failing open",
			MetricPath: "rate_limit.fail_open",
			Operator:   OpGreaterThan, Threshold: 0,
			Severity: SeverityCritical, Enabled: true,
		},
		{
			ID: "queue-depth", Name: "Task queue backlog high",
			MetricPath: "queue.depth",
			Operator:   OpGreaterThan, Threshold: 5000,
			Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "dlq-size", Name: "Dead letter queue growing",
			MetricPath: "queue.dead_letter.size",
			Operator:   OpGreaterThan, Threshold: 100,
			Severity: SeverityWarning, Enabled: true,
		},
	}
}
