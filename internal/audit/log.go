package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/ids"
	"github.com/treasuryops/guard/internal/obs"
)

const (
	defaultSearchLimit = 100
	defaultQueueSize   = 1024
	sinkWriteTimeout   = 5 * time.Second
	storedPrecision    = time.Microsecond
)

// Recorder accepts new security events.
type Recorder interface {
	Record(entry Entry) (Event, error)
}

// Sink receives every recorded event, in insertion order, off the caller's path.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Thresholds drive alert synthesis.
type Thresholds struct {
	LoginFailures  int
	HighSeverity   int
	Window         time.Duration
	CriticalWindow time.Duration
}

// DefaultThresholds alert on more than 5 login failures or more than 3 high
// events per hour, and on a second critical event within a day.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoginFailures:  5,
		HighSeverity:   3,
		Window:         time.Hour,
		CriticalWindow: 24 * time.Hour,
	}
}

// Logger is the append-only, in-process security event log.
type Logger struct {
	mu       sync.Mutex
	events   []Event
	trails   map[string][]int
	head     string
	lastHash string

	scorer     Scorer
	thresholds Thresholds
	now        func() time.Time
	log        zerolog.Logger
	metrics    *obs.Metrics

	sinks  []Sink
	queue  chan Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger sets the structured logger events are mirrored to.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithMetrics enables event and alert counters.
func WithMetrics(m *obs.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithScorer replaces the default risk scorer.
func WithScorer(s Scorer) Option {
	return func(l *Logger) { l.scorer = s }
}

// WithThresholds replaces the default alert thresholds. Zero fields keep defaults.
func WithThresholds(t Thresholds) Option {
	return func(l *Logger) {
		if t.LoginFailures > 0 {
			l.thresholds.LoginFailures = t.LoginFailures
		}
		if t.HighSeverity > 0 {
			l.thresholds.HighSeverity = t.HighSeverity
		}
		if t.Window > 0 {
			l.thresholds.Window = t.Window
		}
		if t.CriticalWindow > 0 {
			l.thresholds.CriticalWindow = t.CriticalWindow
		}
	}
}

// WithSink adds a downstream sink.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithChainHead continues an existing hash chain, typically the newest hash
// held by a persistent sink.
func WithChainHead(hash string) Option {
	return func(l *Logger) {
		l.head = hash
		l.lastHash = hash
	}
}

// NewLogger constructs an empty event log. When sinks are configured a
// single goroutine forwards events to them; call Close to drain it.
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		trails:     make(map[string][]int),
		scorer:     DefaultScorer(),
		thresholds: DefaultThresholds(),
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.sinks) > 0 {
		l.queue = make(chan Event, defaultQueueSize)
		l.done = make(chan struct{})
		go l.forward()
	}
	return l
}

// Record scores, stores and indexes a new event, then evaluates alert
// thresholds. Alerts raised by the event are stored right after it.
func (l *Logger) Record(entry Entry) (Event, error) {
	entry.Kind = Kind(strings.TrimSpace(string(entry.Kind)))
	if entry.Kind == "" {
		return Event{}, fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}

	stored := l.store(entry)
	for _, ev := range stored {
		l.mirror(ev)
	}
	return stored[0].clone(), nil
}

// store appends entry and any alerts it raises. Timestamps are kept at the
// precision persistent sinks retain so stored runs re-verify.
func (l *Logger) store(entry Entry) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC().Truncate(storedPrecision)
	score := l.scorer.Score(entry.Kind, entry.Details)
	event := l.appendLocked(entry, now, score, SeverityFor(score), false)
	stored := []Event{event}
	for _, alert := range l.alertsLocked(event) {
		stored = append(stored, l.appendLocked(alert.entry, now, alert.score, alert.severity, true))
	}
	for _, ev := range stored {
		l.enqueueLocked(ev)
	}
	return stored
}

func (l *Logger) appendLocked(entry Entry, ts time.Time, score float64, sev Severity, alert bool) Event {
	ev := Event{
		ID:           ids.NewAt(ts),
		Kind:         entry.Kind,
		Severity:     sev,
		RiskScore:    score,
		Timestamp:    ts,
		ActorID:      strings.TrimSpace(entry.ActorID),
		SessionID:    entry.SessionID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		ResourceType: strings.TrimSpace(entry.ResourceType),
		ResourceID:   strings.TrimSpace(entry.ResourceID),
		Action:       entry.Action,
		Result:       entry.Result,
		Details:      copyDetails(entry.Details),
		Alert:        alert,
		PrevHash:     l.lastHash,
	}
	ev.Hash = chainHash(ev)
	l.lastHash = ev.Hash

	idx := len(l.events)
	l.events = append(l.events, ev)
	if key := ev.TrailKey(); key != "" {
		l.trails[key] = append(l.trails[key], idx)
	}
	return ev
}

func (l *Logger) enqueueLocked(ev Event) {
	if l.queue == nil || l.closed {
		return
	}
	select {
	case l.queue <- ev.clone():
	default:
		l.metrics.AuditFailure()
		l.log.Error().Str("event_id", ev.ID).Msg("audit sink queue full, event not forwarded")
	}
}

func (l *Logger) mirror(ev Event) {
	l.metrics.AuditEvent(string(ev.Kind), ev.Severity.String())
	if ev.Alert {
		rule, _ := ev.Details["rule"].(string)
		l.metrics.Alert(rule)
	}
	logEvt := l.log.Info()
	if ev.Severity >= SeverityHigh {
		logEvt = l.log.Warn()
	}
	logEvt.
		Str("type", "audit").
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("severity", ev.Severity.String()).
		Float64("risk_score", ev.RiskScore).
		Str("actor_id", ev.ActorID).
		Str("resource", ev.TrailKey()).
		Str("action", ev.Action).
		Str("result", ev.Result).
		Bool("alert", ev.Alert).
		Msg("security event")
}

func (l *Logger) forward() {
	defer close(l.done)
	for ev := range l.queue {
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			err := sink.Write(ctx, ev)
			cancel()
			if err != nil {
				l.metrics.AuditFailure()
				l.log.Error().Err(err).Str("event_id", ev.ID).Msg("audit sink write failed")
			}
		}
	}
}

// Close stops accepting sink work and waits for queued events to drain.
func (l *Logger) Close() {
	if l.queue == nil {
		return
	}
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
}

// Len reports the number of stored events.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the log in insertion order.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.clone()
	}
	return out
}
