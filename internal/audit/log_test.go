package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/treasuryops/guard/internal/obs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustRecord(t *testing.T, l *Logger, e Entry) Event {
	t.Helper()
	ev, err := l.Record(e)
	if err != nil {
		t.Fatalf("Record(%s) failed: %v", e.Kind, err)
	}
	return ev
}

func TestRecordScoresAndSeverity(t *testing.T) {
	l := NewLogger(WithClock(newClock().Now))

	cases := []struct {
		name     string
		entry    Entry
		score    float64
		severity Severity
	}{
		{"login success", Entry{Kind: KindLoginSuccess}, 0.1, SeverityLow},
		{"login failure", Entry{Kind: KindLoginFailure}, 0.3, SeverityMedium},
		{"access denied", Entry{Kind: KindAccessDenied}, 0.5, SeverityMedium},
		{"after hours denial", Entry{Kind: KindAccessDenied, Details: map[string]any{DetailAfterHours: true}}, 0.7, SeverityHigh},
		{"large payment", Entry{Kind: KindPaymentInitiated, Details: map[string]any{DetailAmount: 2_500_000}}, 0.7, SeverityHigh},
		{"amount as string", Entry{Kind: KindPaymentInitiated, Details: map[string]any{DetailAmount: "1000001"}}, 0.7, SeverityHigh},
		{"amount at threshold", Entry{Kind: KindPaymentInitiated, Details: map[string]any{DetailAmount: 1_000_000.0}}, 0.4, SeverityMedium},
		{"escalation clamps", Entry{Kind: KindRoleChange, Details: map[string]any{DetailPrivilegeEscalation: true, DetailUnusualLocation: "true"}}, 1.0, SeverityCritical},
		{"unknown kind", Entry{Kind: "custom_thing"}, 0.5, SeverityMedium},
		{"logout", Entry{Kind: KindLogout}, 0.0, SeverityLow},
	}
	for _, tc := range cases {
		ev := mustRecord(t, l, tc.entry)
		if ev.RiskScore != tc.score {
			t.Fatalf("%s: score = %v, want %v", tc.name, ev.RiskScore, tc.score)
		}
		if ev.Severity != tc.severity {
			t.Fatalf("%s: severity = %s, want %s", tc.name, ev.Severity, tc.severity)
		}
	}
}

func TestRecordRequiresKind(t *testing.T) {
	l := NewLogger()
	if _, err := l.Record(Entry{Kind: "  "}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("invalid entry must not be stored")
	}
}

func TestComplianceViolationIsAtLeastHighAndSummarized(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	ev := mustRecord(t, l, Entry{Kind: KindComplianceViolation, ActorID: "bob"})
	if ev.Severity < SeverityHigh {
		t.Fatalf("compliance violation severity = %s, want >= high", ev.Severity)
	}
	sum := l.Summary(24)
	if sum.ByKind[KindComplianceViolation] != 1 {
		t.Fatalf("summary by kind = %v", sum.ByKind)
	}
	if sum.BySeverity[ev.Severity] != 1 {
		t.Fatalf("summary by severity = %v", sum.BySeverity)
	}
	if sum.UniqueActors != 1 || sum.HighRiskEvents != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestEventsAreImmutable(t *testing.T) {
	l := NewLogger()
	details := map[string]any{"note": "original"}
	ev := mustRecord(t, l, Entry{Kind: KindDataRead, Details: details})

	details["note"] = "changed by caller"
	ev.Details["note"] = "changed via returned copy"

	stored := l.Events()[0]
	if stored.Details["note"] != "original" {
		t.Fatalf("stored event mutated: %v", stored.Details)
	}
	stored.Details["note"] = "changed again"
	if l.Events()[0].Details["note"] != "original" {
		t.Fatalf("Events must return copies")
	}
}

func TestTrailIndexesByEntity(t *testing.T) {
	l := NewLogger()
	mustRecord(t, l, Entry{Kind: KindDataRead, ResourceType: "payment", ResourceID: "P-1", Action: "read"})
	mustRecord(t, l, Entry{Kind: KindDataRead, ResourceType: "payment", ResourceID: "P-2"})
	mustRecord(t, l, Entry{Kind: KindDataWrite, ResourceType: "payment", ResourceID: "P-1", Action: "update"})
	mustRecord(t, l, Entry{Kind: KindLoginSuccess})

	trail := l.Trail("payment", "P-1")
	if len(trail) != 2 {
		t.Fatalf("trail length = %d, want 2", len(trail))
	}
	if trail[0].Action != "read" || trail[1].Action != "update" {
		t.Fatalf("trail out of insertion order: %+v", trail)
	}
	if trail[0].TrailKey() != "payment:P-1" {
		t.Fatalf("unexpected trail key %q", trail[0].TrailKey())
	}
	if got := l.Trail("payment", ""); got != nil {
		t.Fatalf("empty id should yield nil trail")
	}
}

func TestSearchFilters(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	mustRecord(t, l, Entry{Kind: KindLoginSuccess, ActorID: "alice"})
	clock.Advance(time.Minute)
	mustRecord(t, l, Entry{Kind: KindAccessDenied, ActorID: "alice"})
	clock.Advance(time.Minute)
	mustRecord(t, l, Entry{Kind: KindDataDelete, ActorID: "carol"})
	clock.Advance(time.Minute)
	mustRecord(t, l, Entry{Kind: KindLoginSuccess, ActorID: "alice"})

	got := l.Search(Filter{ActorID: "alice"})
	if len(got) != 3 {
		t.Fatalf("alice events = %d, want 3", len(got))
	}
	if !got[0].Timestamp.After(got[2].Timestamp) {
		t.Fatalf("search must return newest first")
	}

	got = l.Search(Filter{Kinds: []Kind{KindLoginSuccess}, Limit: 1})
	if len(got) != 1 || got[0].ActorID != "alice" {
		t.Fatalf("limit/kind filter failed: %+v", got)
	}

	got = l.Search(Filter{MinSeverity: SeverityCritical})
	if len(got) != 1 || got[0].Kind != KindDataDelete {
		t.Fatalf("severity filter failed: %+v", got)
	}

	start := time.Date(2025, 6, 2, 10, 1, 0, 0, time.UTC)
	got = l.Search(Filter{Since: start, Until: start.Add(time.Minute)})
	if len(got) != 2 {
		t.Fatalf("time range filter = %d events, want 2", len(got))
	}

	got = l.Search(Filter{Severities: []Severity{SeverityMedium}})
	if len(got) != 1 || got[0].Kind != KindAccessDenied {
		t.Fatalf("exact severity filter failed: %+v", got)
	}
}

func TestLoginFailureAlertAfterFiveFailures(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		mustRecord(t, l, Entry{Kind: KindLoginFailure, ActorID: "alice"})
		clock.Advance(time.Minute)
	}
	if alerts := l.Search(Filter{AlertsOnly: true}); len(alerts) != 0 {
		t.Fatalf("five failures must not alert, got %d", len(alerts))
	}

	mustRecord(t, l, Entry{Kind: KindLoginFailure, ActorID: "alice"})
	alerts := l.Search(Filter{AlertsOnly: true})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != KindMultipleLoginFailure || a.Severity != SeverityHigh {
		t.Fatalf("unexpected alert: %s/%s", a.Kind, a.Severity)
	}
	if a.Details["rule"] != RuleLoginFailures || a.ActorID != "alice" {
		t.Fatalf("unexpected alert details: %+v", a)
	}

	// other actors are counted separately
	mustRecord(t, l, Entry{Kind: KindLoginFailure, ActorID: "bob"})
	if got := len(l.Search(Filter{AlertsOnly: true})); got != 1 {
		t.Fatalf("bob's first failure must not alert, alerts = %d", got)
	}
}

func TestLoginFailuresOutsideWindowDoNotAlert(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	for i := 0; i < 10; i++ {
		mustRecord(t, l, Entry{Kind: KindLoginFailure, ActorID: "alice"})
		clock.Advance(13 * time.Minute)
	}
	if got := len(l.Search(Filter{AlertsOnly: true})); got != 0 {
		t.Fatalf("spread failures alerted %d times", got)
	}
}

func TestHighSeverityBurstAlert(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	high := Entry{Kind: KindDataExport, ActorID: "eve"}
	for i := 0; i < 3; i++ {
		if ev := mustRecord(t, l, high); ev.Severity != SeverityHigh {
			t.Fatalf("data export severity = %s", ev.Severity)
		}
	}
	if got := len(l.Search(Filter{AlertsOnly: true})); got != 0 {
		t.Fatalf("three high events must not alert, got %d", got)
	}
	mustRecord(t, l, high)
	alerts := l.Search(Filter{AlertsOnly: true})
	if len(alerts) != 1 || alerts[0].Severity != SeverityCritical || alerts[0].Details["rule"] != RuleHighSeverityBurst {
		t.Fatalf("expected one critical burst alert, got %+v", alerts)
	}
}

func TestRepeatedCriticalAlert(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	mustRecord(t, l, Entry{Kind: KindSecurityBreach, ActorID: "x"})
	if got := len(l.Search(Filter{AlertsOnly: true})); got != 0 {
		t.Fatalf("first critical must not alert")
	}
	clock.Advance(20 * time.Hour)
	mustRecord(t, l, Entry{Kind: KindDataDelete, ActorID: "y"})
	alerts := l.Search(Filter{AlertsOnly: true})
	if len(alerts) != 1 || alerts[0].Details["rule"] != RuleRepeatedCritical {
		t.Fatalf("expected repeated critical alert, got %+v", alerts)
	}
	// the critical alert itself does not feed the next check
	clock.Advance(5 * time.Hour)
	mustRecord(t, l, Entry{Kind: KindLoginSuccess})
	if got := len(l.Search(Filter{AlertsOnly: true})); got != 1 {
		t.Fatalf("alerts must not trigger further alerts, got %d", got)
	}
}

func TestChainVerification(t *testing.T) {
	l := NewLogger()
	for i := 0; i < 5; i++ {
		mustRecord(t, l, Entry{Kind: KindDataRead, Details: map[string]any{"i": i}})
	}
	if err := l.VerifyChain(); err != nil {
		t.Fatalf("fresh chain failed verification: %v", err)
	}
	l.mu.Lock()
	l.events[2].ActorID = "tampered"
	l.mu.Unlock()
	if err := l.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestChainHeadContinuesPersistedChain(t *testing.T) {
	first := NewLogger()
	for i := 0; i < 3; i++ {
		mustRecord(t, first, Entry{Kind: KindDataRead, Details: map[string]any{"i": i}})
	}
	persisted := first.Events()
	head := persisted[len(persisted)-1].Hash

	second := NewLogger(WithChainHead(head))
	ev := mustRecord(t, second, Entry{Kind: KindLogout, ActorID: "u-1"})
	if ev.PrevHash != head {
		t.Fatalf("PrevHash = %q, want %q", ev.PrevHash, head)
	}
	if err := second.VerifyChain(); err != nil {
		t.Fatalf("anchored chain failed verification: %v", err)
	}

	all := append(persisted, second.Events()...)
	if err := VerifySequence(all); err != nil {
		t.Fatalf("VerifySequence: %v", err)
	}
	if err := VerifySequence(all[1:]); err != nil {
		t.Fatalf("VerifySequence on a suffix: %v", err)
	}
	all[1].Details["i"] = 99
	if err := VerifySequence(all); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestStoredRunVerifiesAfterRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 123456789, time.UTC)}
	l := NewLogger(WithClock(clock.Now))
	mustRecord(t, l, Entry{Kind: KindPaymentApproved, ActorID: "u-1",
		Details: map[string]any{"amount": 1500000, "entity": "ENT-01"}})
	clock.Advance(777 * time.Nanosecond)
	mustRecord(t, l, Entry{Kind: KindDataExport, ActorID: "u-1", Details: map[string]any{"rows": 12}})

	// timestamptz keeps microseconds and pgx scans into the session zone;
	// jsonb hands details back as generic JSON values.
	zone := time.FixedZone("EST", -5*60*60)
	events := l.Events()
	for i := range events {
		if events[i].Timestamp.Nanosecond()%1000 != 0 {
			t.Fatalf("timestamp %v carries sub-microsecond precision", events[i].Timestamp)
		}
		events[i].Timestamp = events[i].Timestamp.Truncate(time.Microsecond).In(zone)
		raw, err := json.Marshal(events[i].Details)
		if err != nil {
			t.Fatalf("marshal details: %v", err)
		}
		var details map[string]any
		if err := json.Unmarshal(raw, &details); err != nil {
			t.Fatalf("unmarshal details: %v", err)
		}
		events[i].Details = details
	}
	if err := VerifySequence(events); err != nil {
		t.Fatalf("VerifySequence after round trip: %v", err)
	}
}

type explosive struct{}

func (explosive) MarshalJSON() ([]byte, error) { panic("details exploded") }

func TestPanicDuringRecordDoesNotWedgeLog(t *testing.T) {
	l := NewLogger()
	e := NewEmitter(l, obs.NewLogger(obs.LogOptions{Output: &bytes.Buffer{}}), nil)
	if e.Emit(Entry{Kind: KindDataRead, Details: map[string]any{"x": explosive{}}}) {
		t.Fatalf("expected Emit to report failure")
	}

	done := make(chan bool, 1)
	go func() { done <- e.Emit(Entry{Kind: KindLogout, ActorID: "u-1"}) }()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("follow-up Emit failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audit log still locked after a recovered panic")
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	if err := l.VerifyChain(); err != nil {
		t.Fatalf("chain broken after recovered panic: %v", err)
	}
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *memorySink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func TestSinksReceiveEventsInOrder(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(WithSink(sink))
	for i := 0; i < 20; i++ {
		mustRecord(t, l, Entry{Kind: KindDataRead, Details: map[string]any{"i": i}})
	}
	l.Close()
	if len(sink.events) != 20 {
		t.Fatalf("sink received %d events, want 20", len(sink.events))
	}
	for i, ev := range sink.events {
		if ev.Details["i"] != i {
			t.Fatalf("event %d out of order: %v", i, ev.Details)
		}
	}
	// recording after Close still stores in memory
	mustRecord(t, l, Entry{Kind: KindDataRead})
	if l.Len() != 21 {
		t.Fatalf("len = %d", l.Len())
	}
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	metrics := obs.NewMetrics()
	sink := &memorySink{fail: true}
	l := NewLogger(WithSink(sink), WithMetrics(metrics))
	mustRecord(t, l, Entry{Kind: KindLoginSuccess})
	l.Close()
	if got := testutil.ToFloat64(metrics.AuditFailures); got != 1 {
		t.Fatalf("audit failures = %v, want 1", got)
	}
}

func TestMirrorLogsStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLogger(obs.NewLogger(obs.LogOptions{Output: &buf})))
	mustRecord(t, l, Entry{Kind: KindAccessDenied, ActorID: "alice", ResourceType: "payment", ResourceID: "P-9"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["type"] != "audit" || entry["kind"] != "access_denied" || entry["resource"] != "payment:P-9" {
		t.Fatalf("unexpected log line: %v", entry)
	}
}

func TestConcurrentRecordKeepsChainConsistent(t *testing.T) {
	l := NewLogger()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = l.Record(Entry{Kind: KindDataRead})
			}
		}()
	}
	wg.Wait()
	if l.Len() != 400 {
		t.Fatalf("len = %d, want 400", l.Len())
	}
	if err := l.VerifyChain(); err != nil {
		t.Fatalf("chain broken under concurrency: %v", err)
	}
}

type failingRecorder struct{ panics bool }

func (f failingRecorder) Record(Entry) (Event, error) {
	if f.panics {
		panic("recorder exploded")
	}
	return Event{}, errors.New("store unavailable")
}

func TestEmitterSwallowsFailures(t *testing.T) {
	metrics := obs.NewMetrics()
	for _, rec := range []Recorder{failingRecorder{}, failingRecorder{panics: true}} {
		e := NewEmitter(rec, obs.NewLogger(obs.LogOptions{Output: &bytes.Buffer{}}), metrics)
		if e.Emit(Entry{Kind: KindLoginSuccess}) {
			t.Fatalf("expected Emit to report failure")
		}
	}
	if got := testutil.ToFloat64(metrics.AuditFailures); got != 2 {
		t.Fatalf("audit failures = %v, want 2", got)
	}
	var nilEmitter *Emitter
	if nilEmitter.Emit(Entry{Kind: KindLoginSuccess}) {
		t.Fatalf("nil emitter must be a no-op")
	}
}

func TestSummaryWindow(t *testing.T) {
	clock := newClock()
	l := NewLogger(WithClock(clock.Now))
	mustRecord(t, l, Entry{Kind: KindLoginFailure, ActorID: "a"})
	clock.Advance(3 * time.Hour)
	mustRecord(t, l, Entry{Kind: KindLoginSuccess, ActorID: "b"})
	mustRecord(t, l, Entry{Kind: KindAccessDenied, ActorID: "b"})

	sum := l.Summary(1)
	if sum.TotalEvents != 2 || sum.UniqueActors != 1 {
		t.Fatalf("1h summary = %+v", sum)
	}
	if sum.TotalRisk != 0.6 || sum.MeanRisk != 0.3 {
		t.Fatalf("risk totals = %v / %v", sum.TotalRisk, sum.MeanRisk)
	}
	if sum.ByKind[KindLoginFailure] != 0 {
		t.Fatalf("event outside window counted")
	}
	if all := l.Summary(0); all.TotalEvents != 3 {
		t.Fatalf("default 24h summary = %d events", all.TotalEvents)
	}
}

func TestSeverityText(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		b, _ := s.MarshalText()
		var back Severity
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Fatalf("round trip of %s failed: %v", s, err)
		}
	}
	if _, err := ParseSeverity("extreme"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}
