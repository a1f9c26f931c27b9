package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bastion.dev/internal/obs"
)

type memWriter struct {
	mu      sync.Mutex
	batches [][]Event
	fail    error
}

func (w *memWriter) InsertEvents(_ context.Context, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.batches = append(w.batches, append([]Event(nil), events...))
	return nil
}

func (w *memWriter) setFail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func (w *memWriter) written() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []Event
	for _, b := range w.batches {
		all = append(all, b...)
	}
	return all
}

func (w *memWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func newTestPipeline(t *testing.T, w Writer, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithFlushInterval(time.Hour)}, opts...)
	p := NewPipeline(w, opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func logN(p *Pipeline, n int) {
	for i := 0; i < n; i++ {
		p.Log(context.Background(), Event{EventType: EventAPIRequest, Action: fmt.Sprintf("a%d", i), Result: ResultSuccess})
	}
}

func TestPipelineFlushesWhenBatchFills(t *testing.T) {
	w := &memWriter{}
	p := newTestPipeline(t, w)

	logN(p, DefaultBatchSize-1)
	if w.batchCount() != 0 || p.Buffered() != DefaultBatchSize-1 {
		t.Fatalf("premature flush: batches=%d buffered=%d", w.batchCount(), p.Buffered())
	}
	logN(p, 1)
	if w.batchCount() != 1 || len(w.batches[0]) != DefaultBatchSize {
		t.Fatalf("expected one full batch, got %d batches", w.batchCount())
	}
	if p.Buffered() != 0 {
		t.Fatalf("buffer should be empty after flush, got %d", p.Buffered())
	}
}

func TestPipelineStampsAndRedacts(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	w := &memWriter{}
	p := newTestPipeline(t, w, WithPipelineClock(func() time.Time { return at }))

	p.Log(context.Background(), Event{
		EventType: EventAuthFailure,
		Action:    "login",
		Result:    ResultFailure,
		Metadata:  map[string]any{"password": "pw", "reason": "invalid"},
	})
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := w.written()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" || !e.Timestamp.Equal(at) {
		t.Fatalf("event not stamped: %+v", e)
	}
	if e.Metadata["password"] != RedactedMarker || e.Metadata["reason"] != "invalid" {
		t.Fatalf("metadata not redacted: %v", e.Metadata)
	}
}

func TestPipelineRequeuesFailedBatchInOrder(t *testing.T) {
	w := &memWriter{}
	w.setFail(errors.New("db down"))
	p := newTestPipeline(t, w, WithBatchSize(3))

	logN(p, 3)
	if p.Buffered() != 3 {
		t.Fatalf("failed batch must be re-queued, buffered=%d", p.Buffered())
	}
	p.Log(context.Background(), Event{EventType: EventAPIRequest, Action: "late", Result: ResultSuccess})
	if p.Buffered() != 4 {
		t.Fatalf("expected 4 buffered, got %d", p.Buffered())
	}

	w.setFail(nil)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := w.written()
	want := []string{"a0", "a1", "a2", "late"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.Action != want[i] {
			t.Fatalf("event %d: action %q, want %q", i, e.Action, want[i])
		}
		if i > 0 && got[i-1].ID >= e.ID {
			t.Fatalf("ids out of order at %d", i)
		}
	}
}

func TestPipelineFlushReturnsWriterError(t *testing.T) {
	w := &memWriter{}
	boom := errors.New("boom")
	w.setFail(boom)
	p := newTestPipeline(t, w)

	logN(p, 2)
	if err := p.Flush(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
	if p.Buffered() != 2 {
		t.Fatalf("events lost on failure: %d", p.Buffered())
	}
	w.setFail(nil)
}

func TestPipelineDropsOldestBeyondBound(t *testing.T) {
	w := &memWriter{}
	w.setFail(errors.New("db down"))
	p := newTestPipeline(t, w, WithBatchSize(5), WithMaxBuffered(5))

	logN(p, 7)
	if p.Buffered() != 5 {
		t.Fatalf("buffer must stay bounded, got %d", p.Buffered())
	}
	w.setFail(nil)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := w.written()
	if got[0].Action != "a2" || got[len(got)-1].Action != "a6" {
		t.Fatalf("expected oldest events dropped, got %s..%s", got[0].Action, got[len(got)-1].Action)
	}
}

func TestPipelineTimerFlush(t *testing.T) {
	w := &memWriter{}
	p := NewPipeline(w, WithFlushInterval(20*time.Millisecond))
	defer p.Close(context.Background())

	logN(p, 1)
	deadline := time.Now().Add(2 * time.Second)
	for w.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never flushed the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", p.Buffered())
	}
}

func TestPipelineCloseFlushesAndWritesSynchronously(t *testing.T) {
	w := &memWriter{}
	p := NewPipeline(w, WithFlushInterval(time.Hour))

	logN(p, 3)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(w.written()) != 3 {
		t.Fatalf("close must flush, wrote %d", len(w.written()))
	}
	logN(p, 1)
	if len(w.written()) != 4 || p.Buffered() != 0 {
		t.Fatalf("events after close must be written immediately, wrote %d", len(w.written()))
	}
}

type failingDetector struct{ calls int }

func (d *failingDetector) Name() string { return "failing" }

func (d *failingDetector) Inspect(context.Context, Event) error {
	d.calls++
	return errors.New("redis unavailable")
}

func TestPipelineDetectorErrorsDoNotFailLog(t *testing.T) {
	w := &memWriter{}
	d := &failingDetector{}
	p := newTestPipeline(t, w, WithDetectors(d))

	logN(p, 2)
	if d.calls != 2 {
		t.Fatalf("detector should see every event, saw %d", d.calls)
	}
	if p.Buffered() != 2 {
		t.Fatalf("events must still be buffered, got %d", p.Buffered())
	}
}

func TestPipelineConcurrentLog(t *testing.T) {
	w := &memWriter{}
	p := newTestPipeline(t, w, WithBatchSize(10))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logN(p, 25)
		}()
	}
	wg.Wait()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := w.written()
	if len(got) != 200 {
		t.Fatalf("expected 200 events, got %d", len(got))
	}
	seen := make(map[string]bool, len(got))
	for _, e := range got {
		if seen[e.ID] {
			t.Fatalf("duplicate event %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestPipelineStoresUnencodableValuesAsMarkers(t *testing.T) {
	w := &memWriter{}
	p := newTestPipeline(t, w)
	ctx := WithRequestInfo(context.Background(), RequestInfo{IPAddress: "10.0.0.1", UserAgent: "bot\xff\x00/1"})

	p.Log(ctx, NewEvent(ctx, EventAuthFailure, "refresh_token_verify", ResultFailure).With("ratio", math.NaN()))
	logN(p, 5)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := w.written()
	if len(got) != 6 {
		t.Fatalf("expected 6 events, got %d", len(got))
	}
	first := got[0]
	if first.Metadata["ratio"] != UnserializableMarker {
		t.Fatalf("non-finite value not replaced: %v", first.Metadata)
	}
	if first.UserAgent != "bot\uFFFD/1" {
		t.Fatalf("user agent not sanitised: %q", first.UserAgent)
	}
	for _, e := range got {
		if _, err := eventArgs(e); err != nil {
			t.Fatalf("event %s cannot be stored: %v", e.ID, err)
		}
	}
}

// hookWriter runs during before accepting a batch.
type hookWriter struct {
	memWriter
	during func()
}

func (w *hookWriter) InsertEvents(ctx context.Context, events []Event) error {
	if w.during != nil {
		w.during()
	}
	return w.memWriter.InsertEvents(ctx, events)
}

func bufferGauge(t *testing.T) float64 {
	t.Helper()
	obs.Init()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "audit_buffer_events" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("audit_buffer_events not registered")
	return 0
}

func TestPipelineGaugeCountsEventsLoggedDuringFlush(t *testing.T) {
	w := &hookWriter{}
	p := newTestPipeline(t, w)
	w.during = func() {
		w.during = nil
		p.Log(context.Background(), Event{EventType: EventAPIRequest, Action: "late", Result: ResultSuccess})
	}

	logN(p, 3)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if p.Buffered() != 1 {
		t.Fatalf("expected the late event to stay buffered, got %d", p.Buffered())
	}
	if got := bufferGauge(t); got != 1 {
		t.Fatalf("gauge reports %v buffered events, want 1", got)
	}
}
