package audit

import "time"

// Alert rule names, stored in the alert event's "rule" detail.
const (
	RuleLoginFailures     = "login_failures"
	RuleHighSeverityBurst = "high_severity_burst"
	RuleRepeatedCritical  = "repeated_critical"
)

const (
	highAlertScore     = 0.7
	criticalAlertScore = 0.9
)

type pendingAlert struct {
	entry    Entry
	score    float64
	severity Severity
}

// alertsLocked evaluates the sliding-window rules against the event just
// appended. Alert events never feed back into these checks and are not
// counted by them.
func (l *Logger) alertsLocked(ev Event) []pendingAlert {
	if ev.Alert {
		return nil
	}
	var out []pendingAlert
	t := l.thresholds

	if ev.Kind == KindLoginFailure && ev.ActorID != "" {
		n := l.countLocked(ev.Timestamp.Add(-t.Window), func(e Event) bool {
			return e.Kind == KindLoginFailure && e.ActorID == ev.ActorID
		})
		if n > t.LoginFailures {
			out = append(out, pendingAlert{
				entry:    alertEntry(ev, KindMultipleLoginFailure, RuleLoginFailures, n, t.Window),
				score:    highAlertScore,
				severity: SeverityHigh,
			})
		}
	}

	switch ev.Severity {
	case SeverityHigh:
		n := l.countLocked(ev.Timestamp.Add(-t.Window), func(e Event) bool {
			return e.Severity == SeverityHigh
		})
		if n > t.HighSeverity {
			out = append(out, pendingAlert{
				entry:    alertEntry(ev, KindSuspiciousActivity, RuleHighSeverityBurst, n, t.Window),
				score:    criticalAlertScore,
				severity: SeverityCritical,
			})
		}
	case SeverityCritical:
		// the event itself is already stored, so "already >= 1" means > 1 here
		n := l.countLocked(ev.Timestamp.Add(-t.CriticalWindow), func(e Event) bool {
			return e.Severity == SeverityCritical
		})
		if n > 1 {
			out = append(out, pendingAlert{
				entry:    alertEntry(ev, KindSuspiciousActivity, RuleRepeatedCritical, n, t.CriticalWindow),
				score:    criticalAlertScore,
				severity: SeverityCritical,
			})
		}
	}
	return out
}

// countLocked counts non-alert events at or after since, walking back from
// the newest event.
func (l *Logger) countLocked(since time.Time, match func(Event) bool) int {
	n := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if e.Timestamp.Before(since) {
			break
		}
		if !e.Alert && match(e) {
			n++
		}
	}
	return n
}

func alertEntry(trigger Event, kind Kind, rule string, count int, window time.Duration) Entry {
	return Entry{
		Kind:         kind,
		ActorID:      trigger.ActorID,
		SessionID:    trigger.SessionID,
		IPAddress:    trigger.IPAddress,
		ResourceType: trigger.ResourceType,
		ResourceID:   trigger.ResourceID,
		Action:       "alert",
		Result:       "triggered",
		Details: map[string]any{
			"rule":           rule,
			"count":          count,
			"window":         window.String(),
			"trigger_id":     trigger.ID,
			"trigger_kind":   string(trigger.Kind),
			"auto_generated": true,
		},
	}
}
