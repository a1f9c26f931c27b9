package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bastion.dev/internal/cache"
)

// Detector inspects each logged event for an attack pattern.
type Detector interface {
	Name() string
	Inspect(ctx context.Context, e Event) error
}

// Raiser is the part of Alerter detectors need.
type Raiser interface {
	RaiseSecurityAlert(ctx context.Context, alert SecurityAlert) (SecurityAlert, error)
}

// Thresholds are crossing points: an alert fires when a counter lands exactly
// on one, so each crossing alerts once per window.
const (
	BruteForceWindow = 5 * time.Minute
	BruteForceMedium = 10
	BruteForceHigh   = 20

	SuspiciousWindow    = time.Hour
	SuspiciousHistory   = 50
	SuspiciousThreshold = 10

	DataAccessWindow = time.Hour
	DataAccessMedium = 100
	DataAccessHigh   = 500
)

// BruteForceDetector counts authentication failures per client IP.
type BruteForceDetector struct {
	counter cache.Counter
	alerts  Raiser
}

func NewBruteForceDetector(counter cache.Counter, alerts Raiser) *BruteForceDetector {
	return &BruteForceDetector{counter: counter, alerts: alerts}
}

func (d *BruteForceDetector) Name() string { return "brute_force" }

func (d *BruteForceDetector) Inspect(ctx context.Context, e Event) error {
	if e.EventType != EventAuthFailure {
		return nil
	}
	ip := clientKey(e.IPAddress)
	n, err := d.counter.Increment(ctx, cache.BruteForceKey(ip), BruteForceWindow)
	if err != nil {
		return err
	}
	var sev Severity
	switch n {
	case BruteForceMedium:
		sev = SeverityMedium
	case BruteForceHigh:
		sev = SeverityHigh
	default:
		return nil
	}
	_, err = d.alerts.RaiseSecurityAlert(ctx, SecurityAlert{
		Type:        AlertBruteForce,
		Severity:    sev,
		Description: fmt.Sprintf("%d failed authentication attempts from %s within %s", n, ip, BruteForceWindow),
		UserID:      e.UserID,
		IPAddress:   e.IPAddress,
		Metadata:    map[string]any{"failed_attempts": n},
	})
	return err
}

// SuspiciousActivityDetector tracks recent failing event signatures per
// IP and user and alerts when they become unusually varied.
type SuspiciousActivityDetector struct {
	list   cache.List
	alerts Raiser
}

func NewSuspiciousActivityDetector(list cache.List, alerts Raiser) *SuspiciousActivityDetector {
	return &SuspiciousActivityDetector{list: list, alerts: alerts}
}

func (d *SuspiciousActivityDetector) Name() string { return "suspicious_activity" }

func (d *SuspiciousActivityDetector) Inspect(ctx context.Context, e Event) error {
	if e.Result != ResultFailure && e.Result != ResultError {
		return nil
	}
	signature := e.EventType + ":" + e.Action
	recent, err := d.list.PushCapped(ctx, cache.SuspiciousKey(clientKey(e.IPAddress), e.UserID),
		signature, SuspiciousHistory, SuspiciousWindow)
	if err != nil {
		return err
	}

	seen := make(map[string]int, len(recent))
	for _, s := range recent {
		seen[s]++
	}
	// Only the push that introduced the tenth distinct signature alerts.
	if len(seen) != SuspiciousThreshold || seen[signature] != 1 {
		return nil
	}
	_, err = d.alerts.RaiseSecurityAlert(ctx, SecurityAlert{
		Type:        AlertSuspiciousActivity,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("%d distinct failing operations within %s", len(seen), SuspiciousWindow),
		UserID:      e.UserID,
		IPAddress:   e.IPAddress,
		Metadata:    map[string]any{"distinct_signatures": len(seen), "recent_events": len(recent)},
	})
	return err
}

// DataAccessDetector counts bulk export and download actions per user.
type DataAccessDetector struct {
	counter cache.Counter
	alerts  Raiser
}

func NewDataAccessDetector(counter cache.Counter, alerts Raiser) *DataAccessDetector {
	return &DataAccessDetector{counter: counter, alerts: alerts}
}

func (d *DataAccessDetector) Name() string { return "data_access" }

func (d *DataAccessDetector) Inspect(ctx context.Context, e Event) error {
	if e.UserID == "" {
		return nil
	}
	action := strings.ToLower(e.Action)
	if !strings.Contains(action, "export") && !strings.Contains(action, "download") {
		return nil
	}
	n, err := d.counter.Increment(ctx, cache.DataAccessKey(e.UserID), DataAccessWindow)
	if err != nil {
		return err
	}
	var sev Severity
	switch n {
	case DataAccessMedium:
		sev = SeverityMedium
	case DataAccessHigh:
		sev = SeverityHigh
	default:
		return nil
	}
	_, err = d.alerts.RaiseSecurityAlert(ctx, SecurityAlert{
		Type:        AlertDataBreach,
		Severity:    sev,
		Description: fmt.Sprintf("%d bulk data operations by user %s within %s", n, e.UserID, DataAccessWindow),
		UserID:      e.UserID,
		IPAddress:   e.IPAddress,
		Metadata:    map[string]any{"operations": n},
	})
	return err
}

func clientKey(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}

// DefaultDetectors returns the three built-in detectors backed by store.
func DefaultDetectors(store *cache.Store, alerts Raiser) []Detector {
	return []Detector{
		NewBruteForceDetector(store, alerts),
		NewSuspiciousActivityDetector(store, alerts),
		NewDataAccessDetector(store, alerts),
	}
}
