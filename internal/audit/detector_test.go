package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bastion.dev/internal/cache"
)

func newTestCache(t *testing.T) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb), mr
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []SecurityAlert
}

func (r *alertRecorder) Notify(_ context.Context, a SecurityAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) all() []SecurityAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SecurityAlert(nil), r.alerts...)
}

func authFailure(ip string) Event {
	return Event{EventType: EventAuthFailure, IPAddress: ip, Action: "refresh", Result: ResultFailure}
}

func TestBruteForceAlertsOncePerCrossing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCache(t)
	sink := &alertRecorder{}
	d := NewBruteForceDetector(store, NewAlerter(sink, nil))

	for i := 0; i < 25; i++ {
		if err := d.Inspect(ctx, authFailure("10.0.0.1")); err != nil {
			t.Fatalf("Inspect: %v", err)
		}
	}
	alerts := sink.all()
	if len(alerts) != 2 {
		t.Fatalf("expected exactly two alerts, got %d", len(alerts))
	}
	if alerts[0].Severity != SeverityMedium || alerts[1].Severity != SeverityHigh {
		t.Fatalf("unexpected severities: %s, %s", alerts[0].Severity, alerts[1].Severity)
	}
	for _, a := range alerts {
		if a.Type != AlertBruteForce || a.IPAddress != "10.0.0.1" || a.ID == "" {
			t.Fatalf("unexpected alert: %+v", a)
		}
	}
}

func TestBruteForceIgnoresOtherEventsAndIPs(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestCache(t)
	sink := &alertRecorder{}
	d := NewBruteForceDetector(store, NewAlerter(sink, nil))

	for i := 0; i < 12; i++ {
		_ = d.Inspect(ctx, Event{EventType: EventAPIRequest, IPAddress: "10.0.0.1", Result: ResultFailure})
		_ = d.Inspect(ctx, authFailure(fmt.Sprintf("10.0.1.%d", i)))
	}
	if len(sink.all()) != 0 {
		t.Fatalf("no IP crossed the threshold, got %d alerts", len(sink.all()))
	}
	if mr.Exists(cache.BruteForceKey("10.0.0.1")) {
		t.Fatal("non auth_failure events must not be counted")
	}
}

func TestBruteForceWindowExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestCache(t)
	sink := &alertRecorder{}
	d := NewBruteForceDetector(store, NewAlerter(sink, nil))

	for i := 0; i < 9; i++ {
		_ = d.Inspect(ctx, authFailure("10.0.0.2"))
	}
	mr.FastForward(BruteForceWindow + time.Second)
	_ = d.Inspect(ctx, authFailure("10.0.0.2"))
	if len(sink.all()) != 0 {
		t.Fatal("counter should have restarted after the window")
	}
}

func TestSuspiciousActivityFirstReach(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCache(t)
	sink := &alertRecorder{}
	d := NewSuspiciousActivityDetector(store, NewAlerter(sink, nil))

	fail := func(action string) {
		t.Helper()
		e := Event{EventType: EventAPIRequest, IPAddress: "10.0.0.3", UserID: "u1", Action: action, Result: ResultFailure}
		if err := d.Inspect(ctx, e); err != nil {
			t.Fatalf("Inspect: %v", err)
		}
	}
	for i := 0; i < SuspiciousThreshold-1; i++ {
		fail(fmt.Sprintf("op%d", i))
		fail(fmt.Sprintf("op%d", i))
	}
	if len(sink.all()) != 0 {
		t.Fatal("nine distinct signatures must not alert")
	}
	fail("op9")
	fail("op9")
	fail("op3")
	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert on the tenth distinct signature, got %d", len(alerts))
	}
	if alerts[0].Type != AlertSuspiciousActivity || alerts[0].Severity != SeverityMedium || alerts[0].UserID != "u1" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

func TestSuspiciousActivityIgnoresSuccess(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestCache(t)
	d := NewSuspiciousActivityDetector(store, NewAlerter(&alertRecorder{}, nil))

	_ = d.Inspect(ctx, Event{EventType: EventAPIRequest, IPAddress: "10.0.0.4", Action: "list", Result: ResultSuccess})
	if mr.Exists(cache.SuspiciousKey("10.0.0.4", "")) {
		t.Fatal("successful events must not be recorded")
	}
}

func TestDataAccessThresholds(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCache(t)
	sink := &alertRecorder{}
	d := NewDataAccessDetector(store, NewAlerter(sink, nil))

	for i := 0; i < DataAccessMedium; i++ {
		if err := d.Inspect(ctx, Event{UserID: "u2", Action: "Export_Report", Result: ResultSuccess}); err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		_ = d.Inspect(ctx, Event{UserID: "u2", Action: "view", Result: ResultSuccess})
		_ = d.Inspect(ctx, Event{Action: "download", Result: ResultSuccess})
	}
	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert at %d operations, got %d", DataAccessMedium, len(alerts))
	}
	if alerts[0].Type != AlertDataBreach || alerts[0].Severity != SeverityMedium {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

func TestPipelineRunsDetectors(t *testing.T) {
	store, _ := newTestCache(t)
	sink := &alertRecorder{}
	w := &memWriter{}
	p := newTestPipeline(t, w, WithDetectors(DefaultDetectors(store, NewAlerter(sink, nil))...))

	for i := 0; i < BruteForceHigh; i++ {
		p.Log(context.Background(), authFailure("10.0.0.9"))
	}
	var brute int
	for _, a := range sink.all() {
		if a.Type == AlertBruteForce {
			brute++
		}
	}
	if brute != 2 {
		t.Fatalf("expected two brute force alerts through the pipeline, got %d", brute)
	}
}
