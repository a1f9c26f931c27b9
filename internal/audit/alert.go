package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

// AlertType classifies a security alert.
type AlertType string

const (
	AlertBruteForce         AlertType = "brute_force"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertDataBreach         AlertType = "data_breach"
	AlertUnauthorizedAccess AlertType = "unauthorized_access"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertBruteForce, AlertSuspiciousActivity, AlertDataBreach, AlertUnauthorizedAccess:
		return true
	}
	return false
}

// ErrAlertNotFound is returned when an alert does not exist or is already resolved.
var ErrAlertNotFound = errors.New("security alert not found")

// SecurityAlert is a detected pattern worth a human look.
type SecurityAlert struct {
	ID          string         `json:"id"`
	Type        AlertType      `json:"alert_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	UserID      string         `json:"user_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AlertSink receives raised alerts.
type AlertSink interface {
	Notify(ctx context.Context, alert SecurityAlert) error
}

// AlertStore persists alerts and their resolution.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert SecurityAlert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]SecurityAlert, error)
	ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (*SecurityAlert, error)
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Resolved *bool
	Severity Severity
	Type     AlertType
	Limit    int
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, a SecurityAlert) error {
	level := slog.LevelWarn
	if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "security alert",
		"alert_id", a.ID,
		"alert_type", string(a.Type),
		"severity", string(a.Severity),
		"user_id", a.UserID,
		"ip", a.IPAddress,
		"description", a.Description,
	)
	return nil
}

// StoreSink persists alerts.
type StoreSink struct {
	Store AlertStore
}

func (s StoreSink) Notify(ctx context.Context, a SecurityAlert) error {
	return s.Store.InsertAlert(ctx, a)
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Notify(ctx context.Context, a SecurityAlert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Alerter stamps alerts and hands them to a sink.
type Alerter struct {
	sink AlertSink
	now  func() time.Time
}

// NewAlerter returns an Alerter delivering to sink. A nil clock means time.Now.
func NewAlerter(sink AlertSink, now func() time.Time) *Alerter {
	if now == nil {
		now = time.Now
	}
	return &Alerter{sink: sink, now: now}
}

// RaiseSecurityAlert assigns id and creation time, then notifies the sink.
func (a *Alerter) RaiseSecurityAlert(ctx context.Context, alert SecurityAlert) (SecurityAlert, error) {
	if !alert.Type.Valid() {
		return alert, fmt.Errorf("unknown alert type %q", alert.Type)
	}
	if !alert.Severity.Valid() {
		return alert, fmt.Errorf("unknown severity %q", alert.Severity)
	}
	at := a.now().UTC()
	alert.ID = ids.NewAt(at)
	alert.CreatedAt = at
	alert.Resolved = false
	alert.Metadata = Redact(alert.Metadata)
	obs.SecurityAlert(string(alert.Type), string(alert.Severity))
	if err := a.sink.Notify(ctx, alert); err != nil {
		return alert, fmt.Errorf("notify alert %s: %w", alert.ID, err)
	}
	return alert, nil
}

// AlertService exposes alert queries and triage.
type AlertService struct {
	store AlertStore
	audit Logger
	now   func() time.Time
}

// NewAlertService wires the alert store and the audit logger used to record
// resolutions. A nil logger discards them.
func NewAlertService(store AlertStore, logger Logger, now func() time.Time) *AlertService {
	if logger == nil {
		logger = Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &AlertService{store: store, audit: logger, now: now}
}

func (s *AlertService) List(ctx context.Context, filter AlertFilter) ([]SecurityAlert, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListAlerts(ctx, filter)
}

// Resolve marks an unresolved alert as handled by resolvedBy.
func (s *AlertService) Resolve(ctx context.Context, id, resolvedBy string) (*SecurityAlert, error) {
	alert, err := s.store.ResolveAlert(ctx, id, resolvedBy, s.now().UTC())
	if err != nil {
		return nil, err
	}
	e := NewEvent(ctx, EventAlertResolved, "resolve", ResultSuccess)
	e.UserID = resolvedBy
	e.Resource = "security_alert"
	s.audit.Log(ctx, e.With("alert_id", alert.ID).With("alert_type", string(alert.Type)))
	return alert, nil
}
