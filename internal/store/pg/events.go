package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/treasuryops/guard/internal/audit"
)

const defaultListLimit = 100

var _ audit.Sink = (*Store)(nil)

const eventColumns = `id, kind, severity, risk_score, occurred_at, actor_id, session_id, ip_address,
	user_agent, resource_type, resource_id, action, result, details, alert, prev_hash, hash`

// Write persists ev. Replays of an already stored id are ignored.
func (s *Store) Write(ctx context.Context, ev audit.Event) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details := []byte("{}")
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (`+eventColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		on conflict (id) do nothing
	`,
		ev.ID, string(ev.Kind), ev.Severity.String(), ev.RiskScore, ev.Timestamp.UTC(),
		nullIfEmpty(ev.ActorID), nullIfEmpty(ev.SessionID), nullIfEmpty(ev.IPAddress),
		nullIfEmpty(ev.UserAgent), nullIfEmpty(ev.ResourceType), nullIfEmpty(ev.ResourceID),
		nullIfEmpty(ev.Action), nullIfEmpty(ev.Result), details, ev.Alert,
		nullIfEmpty(ev.PrevHash), ev.Hash,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil
		}
		return fmt.Errorf("insert security event %s: %w", ev.ID, err)
	}
	return nil
}

// Recent returns the newest events, optionally only those at or after since.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+eventColumns+`
		from security_events
		where occurred_at >= $1
		order by occurred_at desc, id desc
		limit $2
	`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Trail returns the stored events of one resource in insertion order.
func (s *Store) Trail(ctx context.Context, resourceType, resourceID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+eventColumns+`
		from security_events
		where resource_type = $1 and resource_id = $2
		order by occurred_at asc, id asc
	`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastHash returns the chain hash of the newest stored event, or "" when the
// table is empty.
func (s *Store) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		select hash from security_events order by occurred_at desc, id desc limit 1
	`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var out []audit.Event
	for rows.Next() {
		var (
			ev                                    audit.Event
			kind, severity                        string
			actor, session, ip, agent, rtype, rid sql.NullString
			action, result, prevHash              sql.NullString
			rawDetails                            []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &severity, &ev.RiskScore, &ev.Timestamp,
			&actor, &session, &ip, &agent, &rtype, &rid, &action, &result,
			&rawDetails, &ev.Alert, &prevHash, &ev.Hash); err != nil {
			return nil, err
		}
		sev, err := audit.ParseSeverity(severity)
		if err != nil {
			return nil, err
		}
		ev.Kind = audit.Kind(kind)
		ev.Severity = sev
		ev.Timestamp = ev.Timestamp.UTC()
		ev.ActorID, ev.SessionID, ev.IPAddress = actor.String, session.String, ip.String
		ev.UserAgent, ev.ResourceType, ev.ResourceID = agent.String, rtype.String, rid.String
		ev.Action, ev.Result, ev.PrevHash = action.String, result.String, prevHash.String
		if len(rawDetails) > 0 && string(rawDetails) != "{}" {
			if err := json.Unmarshal(rawDetails, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode details of %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
