package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/metrics"
)

// Severity is an alert's urgency, independent of the CheckStatus that
// triggered it — a single Unhealthy result can fan out to different
// severities depending on which component degraded.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Channel is a destination an alert can be routed to.
type Channel int

const (
	ChannelLog Channel = iota
	ChannelConsole
	ChannelWebhook
	ChannelChat
)

func (c Channel) String() string {
	switch c {
	case ChannelLog:
		return "log"
	case ChannelConsole:
		return "console"
	case ChannelWebhook:
		return "webhook"
	case ChannelChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Alert is one health event to route.
type Alert struct {
	Severity  Severity
	Component string
	Message   string
	Timestamp time.Time
}

// MarshalJSON renders Severity by name rather than its underlying int, so
// webhook/chat payloads read "critical" instead of "2".
func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Severity  string    `json:"severity"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Severity:  a.Severity.String(),
		Component: a.Component,
		Message:   a.Message,
		Timestamp: a.Timestamp,
	})
}

// groupKey identifies alerts that should be grouped for cooldown purposes:
// same component hitting the same severity repeatedly is one story, not one
// alert per occurrence.
func (a Alert) groupKey() string { return fmt.Sprintf("%s:%s", a.Component, a.Severity) }

// Notifier delivers an alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier routes alerts into the structured logger.
type LogNotifier struct{ logger *zap.Logger }

func NewLogNotifier(logger *zap.Logger) *LogNotifier { return &LogNotifier{logger: logger} }

func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("component", a.Component),
		zap.String("severity", a.Severity.String()),
		zap.Time("at", a.Timestamp),
	}
	switch a.Severity {
	case Fatal, Critical:
		n.logger.Error(a.Message, fields...)
	case Warning:
		n.logger.Warn(a.Message, fields...)
	default:
		n.logger.Info(a.Message, fields...)
	}
	return nil
}

// ConsoleNotifier writes alerts to an arbitrary writer (stdout in
// production, a buffer in tests).
type ConsoleNotifier struct{ out func(string) }

func NewConsoleNotifier(out func(string)) *ConsoleNotifier { return &ConsoleNotifier{out: out} }

func (n *ConsoleNotifier) Notify(ctx context.Context, a Alert) error {
	n.out(fmt.Sprintf("[%s] %s: %s", a.Severity, a.Component, a.Message))
	return nil
}

// WebhookNotifier POSTs an alert as JSON to a fixed URL. There is no
// webhook/alerting client library anywhere in the example corpus, so this
// is a small hand-rolled client over net/http rather than an imported SDK.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ChatNotifier posts a plain-text payload shaped for an incoming-webhook
// style chat integration (Slack/Discord/Teams all accept a {"text": "..."}
// body on their incoming webhook URL). Kept separate from WebhookNotifier
// so the two can be routed independently per severity.
type ChatNotifier struct {
	url    string
	client *http.Client
}

func NewChatNotifier(url string, client *http.Client) *ChatNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ChatNotifier{url: url, client: client}
}

func (n *ChatNotifier) Notify(ctx context.Context, a Alert) error {
	payload := map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s", a.Severity, a.Component, a.Message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat notifier: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// AlertConfig is the alert subsystem's tuning: which channels each severity
// routes to, how long identical alerts are suppressed after firing
// (cooldown), and which message patterns are dropped outright.
type AlertConfig struct {
	Routes         map[Severity][]Channel
	Cooldown       time.Duration
	IgnorePatterns []string
}

// DefaultAlertConfig routes every severity to the log, Warning+
// additionally to the console, Critical+ additionally to any configured
// webhook, and Fatal additionally to chat, with a 5 minute cooldown per
// (component, severity) pair.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Routes: map[Severity][]Channel{
			Info:     {ChannelLog},
			Warning:  {ChannelLog, ChannelConsole},
			Critical: {ChannelLog, ChannelConsole, ChannelWebhook},
			Fatal:    {ChannelLog, ChannelConsole, ChannelWebhook, ChannelChat},
		},
		Cooldown: 5 * time.Minute,
	}
}

// AlertManager routes alerts to notifiers per AlertConfig, applying
// grouping/cooldown and ignore-pattern filtering to prevent alert storms.
type AlertManager struct {
	cfg       AlertConfig
	notifiers map[Channel]Notifier
	ignore    []*regexp.Regexp
	logger    *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlertManager builds an alert manager. notifiers need not cover every
// channel in cfg.Routes; a missing notifier simply skips that channel.
func NewAlertManager(cfg AlertConfig, notifiers map[Channel]Notifier, logger *zap.Logger) (*AlertManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ignore := make([]*regexp.Regexp, 0, len(cfg.IgnorePatterns))
	for _, p := range cfg.IgnorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		ignore = append(ignore, re)
	}
	return &AlertManager{
		cfg:       cfg,
		notifiers: notifiers,
		ignore:    ignore,
		logger:    logger,
		lastSent:  make(map[string]time.Time),
	}, nil
}

// Emit routes an alert to every channel configured for its severity,
// skipping it if it matches an ignore pattern or its group is still within
// cooldown.
func (m *AlertManager) Emit(ctx context.Context, a Alert) {
	for _, re := range m.ignore {
		if re.MatchString(a.Message) {
			metrics.AlertsSuppressed.WithLabelValues("ignore_pattern").Inc()
			return
		}
	}

	key := a.groupKey()
	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && a.Timestamp.Sub(last) < m.cfg.Cooldown {
		m.mu.Unlock()
		metrics.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		return
	}
	m.lastSent[key] = a.Timestamp
	m.mu.Unlock()

	for _, ch := range m.cfg.Routes[a.Severity] {
		notifier, ok := m.notifiers[ch]
		if !ok {
			continue
		}
		if err := notifier.Notify(ctx, a); err != nil {
			m.logger.Warn("alert notifier failed",
				zap.String("channel", ch.String()),
				zap.String("component", a.Component),
				zap.Error(err),
			)
			continue
		}
		metrics.AlertsEmitted.WithLabelValues(a.Severity.String(), ch.String()).Inc()
	}
}

// severityFor maps a check result into an alert severity: a critical
// component going unhealthy is Fatal, a non-critical one going unhealthy is
// Critical, and any component degrading is Warning.
func severityFor(result CheckResult) Severity {
	switch result.Status {
	case StatusUnhealthy:
		if result.Critical {
			return Fatal
		}
		return Critical
	case StatusDegraded:
		return Warning
	default:
		return Info
	}
}
