package audit

import (
	"time"
)

// Filter selects events for Search. Zero fields do not filter.
type Filter struct {
	ActorID      string
	Kinds        []Kind
	Severities   []Severity
	MinSeverity  Severity
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
	AlertsOnly   bool
	Limit        int
}

func (f Filter) match(e Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.AlertsOnly && !e.Alert {
		return false
	}
	return true
}

// Search returns matching events newest first, capped at Limit (default 100).
func (l *Logger) Search(f Filter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.match(l.events[i]) {
			out = append(out, l.events[i].clone())
		}
	}
	return out
}

// Trail returns every event attached to entityType:entityID in insertion order.
func (l *Logger) Trail(entityType, entityID string) []Event {
	key := trailKey(entityType, entityID)
	if key == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.trails[key]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i].clone())
	}
	return out
}

// HighRiskScore is the score at or above which an event counts as high risk
// in summaries.
const HighRiskScore = 0.7

// Summary aggregates the events of a trailing window.
type Summary struct {
	WindowHours    int              `json:"window_hours"`
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	TotalEvents    int              `json:"total_events"`
	ByKind         map[Kind]int     `json:"by_kind"`
	BySeverity     map[Severity]int `json:"by_severity"`
	TotalRisk      float64          `json:"total_risk"`
	MeanRisk       float64          `json:"mean_risk"`
	UniqueActors   int              `json:"unique_actors"`
	HighRiskEvents int              `json:"high_risk_events"`
	Alerts         int              `json:"alerts"`
}

// Summary aggregates the last windowHours hours (24 when non-positive).
func (l *Logger) Summary(windowHours int) Summary {
	if windowHours <= 0 {
		windowHours = 24
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	to := l.now().UTC()
	from := to.Add(-time.Duration(windowHours) * time.Hour)
	s := Summary{
		WindowHours: windowHours,
		From:        from,
		To:          to,
		ByKind:      make(map[Kind]int),
		BySeverity:  make(map[Severity]int),
	}
	actors := make(map[string]struct{})
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if e.Timestamp.Before(from) {
			break
		}
		s.TotalEvents++
		s.ByKind[e.Kind]++
		s.BySeverity[e.Severity]++
		s.TotalRisk += e.RiskScore
		if e.RiskScore >= HighRiskScore {
			s.HighRiskEvents++
		}
		if e.Alert {
			s.Alerts++
		}
		if e.ActorID != "" {
			actors[e.ActorID] = struct{}{}
		}
	}
	s.UniqueActors = len(actors)
	if s.TotalEvents > 0 {
		s.MeanRisk = s.TotalRisk / float64(s.TotalEvents)
	}
	return s
}

func containsKind(list []Kind, k Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
