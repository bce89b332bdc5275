package audit

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/obs"
)

// Emitter forwards entries to a Recorder on behalf of the authentication,
// authorization and key services. Failures, including panics, are logged and
// swallowed so they never reach the primary flow. A nil Emitter is a no-op.
type Emitter struct {
	rec     Recorder
	log     zerolog.Logger
	metrics *obs.Metrics
}

// NewEmitter wraps rec.
func NewEmitter(rec Recorder, log zerolog.Logger, metrics *obs.Metrics) *Emitter {
	return &Emitter{rec: rec, log: log, metrics: metrics}
}

// Emit records entry and reports whether it was stored.
func (e *Emitter) Emit(entry Entry) (ok bool) {
	if e == nil || e.rec == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			e.fail(entry, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	if _, err := e.rec.Record(entry); err != nil {
		e.fail(entry, err)
		return false
	}
	return true
}

func (e *Emitter) fail(entry Entry, err error) {
	e.metrics.AuditFailure()
	e.log.Error().
		Err(err).
		Str("kind", string(entry.Kind)).
		Str("actor_id", entry.ActorID).
		Msg("audit record failed")
}
