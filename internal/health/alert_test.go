package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	calls []Alert
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, a Alert) error {
	n.calls = append(n.calls, a)
	return n.err
}

func TestAlertManagerRoutesBySeverity(t *testing.T) {
	logN, consoleN := &recordingNotifier{}, &recordingNotifier{}
	cfg := AlertConfig{
		Routes: map[Severity][]Channel{
			Warning: {ChannelLog, ChannelConsole},
		},
	}
	m, err := NewAlertManager(cfg, map[Channel]Notifier{ChannelLog: logN, ChannelConsole: consoleN}, nil)
	require.NoError(t, err)

	m.Emit(context.Background(), Alert{Severity: Warning, Component: "index", Message: "degraded", Timestamp: time.Now()})

	assert.Len(t, logN.calls, 1)
	assert.Len(t, consoleN.calls, 1)
}

func TestAlertManagerSkipsUnroutedSeverity(t *testing.T) {
	logN := &recordingNotifier{}
	cfg := AlertConfig{Routes: map[Severity][]Channel{Warning: {ChannelLog}}}
	m, err := NewAlertManager(cfg, map[Channel]Notifier{ChannelLog: logN}, nil)
	require.NoError(t, err)

	m.Emit(context.Background(), Alert{Severity: Info, Component: "index", Message: "fine", Timestamp: time.Now()})
	assert.Empty(t, logN.calls)
}

func TestAlertManagerAppliesCooldown(t *testing.T) {
	logN := &recordingNotifier{}
	cfg := AlertConfig{Routes: map[Severity][]Channel{Critical: {ChannelLog}}, Cooldown: time.Minute}
	m, err := NewAlertManager(cfg, map[Channel]Notifier{ChannelLog: logN}, nil)
	require.NoError(t, err)

	now := time.Now()
	m.Emit(context.Background(), Alert{Severity: Critical, Component: "store", Message: "down", Timestamp: now})
	m.Emit(context.Background(), Alert{Severity: Critical, Component: "store", Message: "down", Timestamp: now.Add(time.Second)})
	assert.Len(t, logN.calls, 1)

	m.Emit(context.Background(), Alert{Severity: Critical, Component: "store", Message: "down", Timestamp: now.Add(2 * time.Minute)})
	assert.Len(t, logN.calls, 2)
}

func TestAlertManagerAppliesIgnorePatterns(t *testing.T) {
	logN := &recordingNotifier{}
	cfg := AlertConfig{Routes: map[Severity][]Channel{Warning: {ChannelLog}}, IgnorePatterns: []string{"^noisy:"}}
	m, err := NewAlertManager(cfg, map[Channel]Notifier{ChannelLog: logN}, nil)
	require.NoError(t, err)

	m.Emit(context.Background(), Alert{Severity: Warning, Component: "index", Message: "noisy: flapping", Timestamp: time.Now()})
	assert.Empty(t, logN.calls)

	m.Emit(context.Background(), Alert{Severity: Warning, Component: "index", Message: "real problem", Timestamp: time.Now()})
	assert.Len(t, logN.calls, 1)
}

func TestAlertManagerRejectsInvalidIgnorePattern(t *testing.T) {
	_, err := NewAlertManager(AlertConfig{IgnorePatterns: []string{"("}}, nil, nil)
	assert.Error(t, err)
}

func TestSeverityForMapsCheckResult(t *testing.T) {
	assert.Equal(t, Fatal, severityFor(CheckResult{Status: StatusUnhealthy, Critical: true}))
	assert.Equal(t, Critical, severityFor(CheckResult{Status: StatusUnhealthy, Critical: false}))
	assert.Equal(t, Warning, severityFor(CheckResult{Status: StatusDegraded}))
	assert.Equal(t, Info, severityFor(CheckResult{Status: StatusHealthy}))
}

func TestManagerAlertsOnlyOnTransition(t *testing.T) {
	logN := &recordingNotifier{}
	am, err := NewAlertManager(AlertConfig{Routes: map[Severity][]Channel{Warning: {ChannelLog}}}, map[Channel]Notifier{ChannelLog: logN}, nil)
	require.NoError(t, err)

	mgr := NewManager(nil)
	mgr.SetAlerter(am)

	mgr.alertOnTransition("index", CheckResult{Status: StatusDegraded, Timestamp: time.Now()})
	mgr.lastResults["index"] = CheckResult{Status: StatusDegraded}
	mgr.alertOnTransition("index", CheckResult{Status: StatusDegraded, Timestamp: time.Now()})

	assert.Len(t, logN.calls, 1)
}
