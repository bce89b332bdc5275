package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/ids"
	"github.com/treasuryops/guard/internal/obs"
)

const (
	symmetricKeySize      = 32
	defaultRotation       = 90 * 24 * time.Hour
	defaultRotationLead   = 7 * 24 * time.Hour
	defaultRSABits        = 2048
	minRSABits            = 2048
	publicSuffix          = "_pub"
	privateSuffix         = "_priv"
	systemActor           = "system"
	encryptionKeyResource = "encryption_key"
)

// Manager is the in-process key store. Rotation and default-key creation are
// serialized; lookups only take the read lock.
type Manager struct {
	mu   sync.RWMutex
	keys map[string]*key

	rotMu sync.Mutex

	rotation time.Duration
	lead     time.Duration
	rsaBits  int
	now      func() time.Time
	audit    *audit.Emitter
	metrics  *obs.Metrics
	log      zerolog.Logger
}

// Option configures Manager.
type Option func(*Manager) error

// WithRotation sets the key lifetime and how long before expiry RotateDue
// replaces a key.
func WithRotation(interval, lead time.Duration) Option {
	return func(m *Manager) error {
		if interval <= 0 || lead < 0 || lead >= interval {
			return fmt.Errorf("keys: rotation lead must be in [0, interval)")
		}
		m.rotation, m.lead = interval, lead
		return nil
	}
}

// WithRSABits sets the modulus size of generated pairs.
func WithRSABits(bits int) Option {
	return func(m *Manager) error {
		if bits < minRSABits {
			return fmt.Errorf("keys: rsa keys need at least %d bits", minRSABits)
		}
		m.rsaBits = bits
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithAudit records key lifecycle and decryption failures.
func WithAudit(e *audit.Emitter) Option {
	return func(m *Manager) error {
		m.audit = e
		return nil
	}
}

// WithMetrics counts cryptographic operations.
func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) error {
		m.log = log
		return nil
	}
}

// NewManager creates an empty key store.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		keys:     make(map[string]*key),
		rotation: defaultRotation,
		lead:     defaultRotationLead,
		rsaBits:  defaultRSABits,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Generate creates a key for alg. For RSA the public half is returned; the
// private half shares its PairID.
func (m *Manager) Generate(alg Algorithm) (Info, error) {
	return m.generate(alg, "")
}

// GenerateKeyPair creates an RSA pair and returns both halves.
func (m *Manager) GenerateKeyPair() (Info, Info, error) {
	pub, priv, err := m.newPair("")
	if err != nil {
		m.metrics.Crypto("generate", string(AlgRSAOAEP), err)
		return Info{}, Info{}, err
	}
	m.insert(pub, priv)
	m.metrics.Crypto("generate", string(AlgRSAOAEP), nil)
	m.emitGenerated(pub.Info, "")
	return pub.Info, priv.Info, nil
}

func (m *Manager) generate(alg Algorithm, rotatedFrom string) (Info, error) {
	var created []*key
	switch alg {
	case AlgAESGCM, AlgSecretbox:
		k, err := m.newSymmetric(alg, rotatedFrom)
		if err != nil {
			m.metrics.Crypto("generate", string(alg), err)
			return Info{}, err
		}
		created = []*key{k}
	case AlgRSAOAEP:
		pub, priv, err := m.newPair(rotatedFrom)
		if err != nil {
			m.metrics.Crypto("generate", string(alg), err)
			return Info{}, err
		}
		created = []*key{pub, priv}
	default:
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	m.insert(created...)
	m.metrics.Crypto("generate", string(alg), nil)
	m.emitGenerated(created[0].Info, rotatedFrom)
	return created[0].Info, nil
}

func (m *Manager) newSymmetric(alg Algorithm, rotatedFrom string) (*key, error) {
	material := make([]byte, symmetricKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("keys: read random: %w", err)
	}
	now := m.now().UTC()
	return &key{
		Info: Info{
			ID:          ids.Prefixed("key"),
			Type:        TypeSymmetric,
			Algorithm:   alg,
			Bits:        symmetricKeySize * 8,
			RotatedFrom: rotatedFrom,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.rotation),
			Active:      true,
		},
		material: material,
	}, nil
}

func (m *Manager) newPair(rotatedFrom string) (*key, *key, error) {
	rk, err := rsa.GenerateKey(rand.Reader, m.rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: generate rsa: %w", err)
	}
	privPEM, err := encodeRSAPrivateKey(rk)
	if err != nil {
		return nil, nil, err
	}
	pubPEM, err := encodeRSAPublicKey(&rk.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	now := m.now().UTC()
	pair := ids.Prefixed("rsa")
	base := Info{
		Algorithm:   AlgRSAOAEP,
		Bits:        m.rsaBits,
		PairID:      pair,
		RotatedFrom: rotatedFrom,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.rotation),
		Active:      true,
	}
	pub := &key{Info: base, material: pubPEM}
	pub.ID, pub.Type = pair+publicSuffix, TypePublic
	priv := &key{Info: base, material: privPEM}
	priv.ID, priv.Type = pair+privateSuffix, TypePrivate
	return pub, priv, nil
}

func (m *Manager) insert(ks ...*key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range ks {
		m.keys[k.ID] = k
	}
}

// Rotate replaces keyID with a fresh key of the same algorithm and
// deactivates the old one. The old key keeps decrypting until it expires.
func (m *Manager) Rotate(keyID string) (Info, error) {
	m.rotMu.Lock()
	defer m.rotMu.Unlock()
	return m.rotateLocked(keyID)
}

func (m *Manager) rotateLocked(keyID string) (Info, error) {
	m.mu.RLock()
	old, ok := m.keys[keyID]
	var info Info
	if ok {
		if old.Type == TypePrivate {
			if pub, found := m.keys[old.PairID+publicSuffix]; found {
				old = pub
			}
		}
		info = old.Info
	}
	m.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if !info.Active {
		return Info{}, fmt.Errorf("%w: %q was already rotated", ErrKeyInactive, info.ID)
	}

	next, err := m.generate(info.Algorithm, info.ID)
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.keys[info.ID].Active = false
	if info.PairID != "" {
		if priv, found := m.keys[info.PairID+privateSuffix]; found {
			priv.Active = false
		}
	}
	m.mu.Unlock()

	m.audit.Emit(audit.Entry{
		Kind:         audit.KindKeyRotated,
		ActorID:      systemActor,
		ResourceType: encryptionKeyResource,
		ResourceID:   info.ID,
		Action:       "rotate",
		Result:       "success",
		Details:      map[string]any{"algorithm": string(info.Algorithm), "new_key_id": next.ID},
	})
	m.log.Info().Str("key_id", info.ID).Str("new_key_id", next.ID).Str("algorithm", string(info.Algorithm)).Msg("key rotated")
	return next, nil
}

// RotateDue rotates every active key whose expiry falls within the rotation
// lead and returns the replacements.
func (m *Manager) RotateDue() ([]Info, error) {
	m.rotMu.Lock()
	defer m.rotMu.Unlock()

	now := m.now()
	var due []string
	m.mu.RLock()
	for id, k := range m.keys {
		if !k.Active || k.Type == TypePrivate {
			continue
		}
		if !now.Before(k.ExpiresAt.Add(-m.lead)) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(due)

	var (
		out  []Info
		errs []error
	)
	for _, id := range due {
		next, err := m.rotateLocked(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, next)
	}
	return out, errors.Join(errs...)
}

// Get returns metadata for keyID.
func (m *Manager) Get(keyID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	return k.Info, nil
}

// List returns metadata of every key, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.Info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PublicKeyPEM returns the PEM encoding of an RSA public key.
func (m *Manager) PublicKeyPEM(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if k.Type != TypePublic {
		return nil, fmt.Errorf("%w: %q is not a public key", ErrUnsupportedAlgorithm, keyID)
	}
	return append([]byte(nil), k.material...), nil
}

// current returns the newest usable key of alg, creating one if none exists.
func (m *Manager) current(alg Algorithm) (key, error) {
	if k, ok := m.newestActive(alg); ok {
		return k, nil
	}
	m.rotMu.Lock()
	defer m.rotMu.Unlock()
	if k, ok := m.newestActive(alg); ok {
		return k, nil
	}
	info, err := m.generate(alg, "")
	if err != nil {
		return key{}, err
	}
	return m.snapshot(info.ID)
}

func (m *Manager) newestActive(alg Algorithm) (key, bool) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *key
	for _, k := range m.keys {
		if k.Algorithm != alg || !k.Active || k.Type == TypePrivate || k.Expired(now) {
			continue
		}
		if best == nil || k.CreatedAt.After(best.CreatedAt) || (k.CreatedAt.Equal(best.CreatedAt) && k.ID > best.ID) {
			best = k
		}
	}
	if best == nil {
		return key{}, false
	}
	return *best, true
}

func (m *Manager) snapshot(keyID string) (key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return key{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	return *k, nil
}

// encryptionKey resolves keyID for encryption: it must be active, unexpired
// and not a private key.
func (m *Manager) encryptionKey(keyID string) (key, error) {
	k, err := m.snapshot(keyID)
	if err != nil {
		return key{}, err
	}
	if k.Type == TypePrivate {
		return key{}, fmt.Errorf("%w: private key %q cannot encrypt", ErrUnsupportedAlgorithm, keyID)
	}
	if k.Expired(m.now()) {
		return key{}, fmt.Errorf("%w: %q", ErrKeyExpired, keyID)
	}
	if !k.Active {
		return key{}, fmt.Errorf("%w: %q", ErrKeyInactive, keyID)
	}
	return k, nil
}

// decryptionKey resolves the key that opens ciphertext produced under keyID.
// Rotated keys still decrypt until they expire.
func (m *Manager) decryptionKey(keyID string) (key, error) {
	k, err := m.snapshot(keyID)
	if err != nil {
		return key{}, err
	}
	if k.Type == TypePublic {
		if k, err = m.snapshot(k.PairID + privateSuffix); err != nil {
			return key{}, err
		}
	}
	if k.Expired(m.now()) {
		return key{}, fmt.Errorf("%w: %q", ErrKeyExpired, keyID)
	}
	return k, nil
}

func (m *Manager) emitGenerated(info Info, rotatedFrom string) {
	details := map[string]any{"algorithm": string(info.Algorithm), "type": string(info.Type)}
	if rotatedFrom != "" {
		details["rotated_from"] = rotatedFrom
	}
	m.audit.Emit(audit.Entry{
		Kind:         audit.KindKeyGenerated,
		ActorID:      systemActor,
		ResourceType: encryptionKeyResource,
		ResourceID:   info.ID,
		Action:       "generate",
		Result:       "success",
		Details:      details,
	})
	m.log.Debug().Str("key_id", info.ID).Str("algorithm", string(info.Algorithm)).Msg("key generated")
}
