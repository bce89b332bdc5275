package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// chainHash is sha256 over the previous hash and the event's canonical JSON
// (with Hash cleared and the timestamp in UTC). encoding/json sorts map keys,
// so details hash stably.
func chainHash(ev Event) string {
	ev.Hash = ""
	ev.Timestamp = ev.Timestamp.UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		// details that cannot be marshalled still chain on their identity
		payload = []byte(fmt.Sprintf("%s|%s|%s|%d", ev.ID, ev.Kind, ev.ActorID, ev.Timestamp.UnixNano()))
	}
	sum := sha256.New()
	sum.Write([]byte(ev.PrevHash))
	sum.Write(payload)
	return hex.EncodeToString(sum.Sum(nil))
}

// VerifyChain recomputes every hash in insertion order and reports the first
// event whose stored hash or back-link does not match.
func (l *Logger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyLinks(l.events, l.head)
}

// VerifySequence checks a contiguous run of events read back from storage,
// oldest first. The first event's back-link is trusted as the anchor.
func VerifySequence(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return verifyLinks(events, events[0].PrevHash)
}

func verifyLinks(events []Event, prev string) error {
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: event %d (%s) links to %q, want %q", ErrChainBroken, i, ev.ID, ev.PrevHash, prev)
		}
		if got := chainHash(ev); got != ev.Hash {
			return fmt.Errorf("%w: event %d (%s) hash mismatch", ErrChainBroken, i, ev.ID)
		}
		prev = ev.Hash
	}
	return nil
}
