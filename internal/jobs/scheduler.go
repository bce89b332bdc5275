package jobs

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/keys"
	"github.com/treasuryops/guard/internal/obs"
)

// Sessions is the session table maintenance surface.
type Sessions interface {
	CleanupExpiredSessions() int
	SessionCount() int
}

// Tokens forgets revoked refresh tokens that have expired.
type Tokens interface {
	PruneRevoked() int
}

// Keys rotates keys approaching expiry.
type Keys interface {
	RotateDue() ([]keys.Info, error)
}

// Specs are cron expressions (robfig/cron syntax, descriptors allowed).
type Specs struct {
	SessionSweep string
	KeyRotation  string
}

// Scheduler runs periodic maintenance of the security core.
type Scheduler struct {
	cron     *cron.Cron
	sessions Sessions
	tokens   Tokens
	keys     Keys
	metrics  *obs.Metrics
	log      zerolog.Logger
}

// NewScheduler registers the maintenance jobs. Nil collaborators skip their job.
func NewScheduler(specs Specs, sessions Sessions, tokens Tokens, ks Keys, metrics *obs.Metrics, log zerolog.Logger) (*Scheduler, error) {
	clog := cronLogger{log: log}
	s := &Scheduler{
		cron:     cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		sessions: sessions,
		tokens:   tokens,
		keys:     ks,
		metrics:  metrics,
		log:      log,
	}
	if sessions != nil || tokens != nil {
		if _, err := s.cron.AddFunc(specs.SessionSweep, s.Sweep); err != nil {
			return nil, err
		}
	}
	if ks != nil {
		if _, err := s.cron.AddFunc(specs.KeyRotation, s.RotateKeys); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep purges expired sessions and revoked tokens and publishes the
// session gauge.
func (s *Scheduler) Sweep() {
	var purged, pruned int
	if s.sessions != nil {
		purged = s.sessions.CleanupExpiredSessions()
		s.metrics.SetActiveSessions(s.sessions.SessionCount())
	}
	if s.tokens != nil {
		pruned = s.tokens.PruneRevoked()
	}
	if purged > 0 || pruned > 0 {
		s.log.Info().Int("sessions", purged).Int("revoked_tokens", pruned).Msg("sweep complete")
	}
}

// RotateKeys rotates every key inside its rotation lead.
func (s *Scheduler) RotateKeys() {
	rotated, err := s.keys.RotateDue()
	for _, k := range rotated {
		s.log.Info().Str("key_id", k.ID).Str("rotated_from", k.RotatedFrom).Msg("key rotated on schedule")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled key rotation failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if err == nil {
		err = errors.New(msg)
	}
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
