package keys

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/treasuryops/guard/internal/audit"
)

const envelopeVersion = 1

// Envelope is the self-describing output of an encryption. Everything needed
// to reverse it, except key material, travels with it.
type Envelope struct {
	Version    int       `json:"v"`
	Algorithm  Algorithm `json:"alg"`
	KeyID      string    `json:"kid"`
	Nonce      []byte    `json:"nonce,omitempty"`
	Ciphertext []byte    `json:"ct"`
	Hybrid     bool      `json:"hybrid,omitempty"`
}

// Encode renders the envelope as URL-safe base64 JSON, suitable for a text column.
func (e Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope parses the output of Encode.
func DecodeEnvelope(s string) (Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if env.Version != envelopeVersion || env.KeyID == "" || len(env.Ciphertext) == 0 {
		return Envelope{}, fmt.Errorf("%w: malformed envelope", ErrInvalidCiphertext)
	}
	return env, nil
}

// Service encrypts and decrypts with keys held by a Manager.
type Service struct {
	m *Manager
}

// NewService wraps m. Audit, metrics and logging follow the manager's options.
func NewService(m *Manager) *Service {
	return &Service{m: m}
}

// Manager exposes the underlying key store.
func (s *Service) Manager() *Manager { return s.m }

// AlgorithmFor maps a data classification to its default cipher.
func AlgorithmFor(class Classification) Algorithm {
	if class == ClassPII {
		return AlgAESGCM
	}
	return AlgSecretbox
}

// Encrypt seals plaintext under the current key for class.
func (s *Service) Encrypt(plaintext []byte, class Classification) (Envelope, error) {
	alg := AlgorithmFor(class)
	k, err := s.m.current(alg)
	if err != nil {
		s.m.metrics.Crypto("encrypt", string(alg), err)
		return Envelope{}, err
	}
	return s.seal(k, plaintext)
}

// EncryptWithKey seals plaintext under an explicit key, bypassing
// classification. RSA pairs are addressed by their public key id.
func (s *Service) EncryptWithKey(plaintext []byte, keyID string) (Envelope, error) {
	k, err := s.m.encryptionKey(keyID)
	if err != nil {
		s.m.metrics.Crypto("encrypt", "unknown", err)
		return Envelope{}, err
	}
	return s.seal(k, plaintext)
}

func (s *Service) seal(k key, plaintext []byte) (env Envelope, err error) {
	start := time.Now()
	defer func() {
		s.m.metrics.Crypto("encrypt", string(k.Algorithm), err)
		s.m.metrics.ObserveDuration("encrypt", start)
	}()

	env = Envelope{Version: envelopeVersion, Algorithm: k.Algorithm, KeyID: k.ID}
	switch k.Algorithm {
	case AlgAESGCM:
		env.Nonce, env.Ciphertext, err = sealGCM(k.material, plaintext, []byte(k.ID))
	case AlgSecretbox:
		env.Nonce, env.Ciphertext, err = sealSecretbox(k.material, plaintext)
	case AlgRSAOAEP:
		pub, perr := parseRSAPublicKey(k.material)
		if perr != nil {
			return Envelope{}, fmt.Errorf("keys: load public key %q: %w", k.ID, perr)
		}
		env.Ciphertext, env.Hybrid, err = sealRSA(pub, plaintext)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, k.Algorithm)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("keys: encrypt with %q: %w", k.ID, err)
	}
	return env, nil
}

// Decrypt reverses Encrypt. Rotated keys still open their ciphertext until
// they expire. Every failure is audited.
func (s *Service) Decrypt(env Envelope) (plain []byte, err error) {
	start := time.Now()
	defer func() {
		s.m.metrics.Crypto("decrypt", string(env.Algorithm), err)
		s.m.metrics.ObserveDuration("decrypt", start)
		if err != nil {
			s.auditFailure(env, err)
		}
	}()

	k, err := s.m.decryptionKey(env.KeyID)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != k.Algorithm {
		return nil, fmt.Errorf("%w: envelope says %q, key %q is %q", ErrUnsupportedAlgorithm, env.Algorithm, env.KeyID, k.Algorithm)
	}

	switch k.Algorithm {
	case AlgAESGCM:
		plain, err = openGCM(k.material, env.Nonce, env.Ciphertext, []byte(env.KeyID))
	case AlgSecretbox:
		plain, err = openSecretbox(k.material, env.Nonce, env.Ciphertext)
	case AlgRSAOAEP:
		priv, perr := parseRSAPrivateKey(k.material)
		if perr != nil {
			return nil, fmt.Errorf("keys: load private key %q: %w", k.ID, perr)
		}
		plain, err = openRSA(priv, env.Ciphertext, env.Hybrid)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, k.Algorithm)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidCiphertext) || errors.Is(err, ErrDecryptionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

func (s *Service) auditFailure(env Envelope, err error) {
	s.m.audit.Emit(audit.Entry{
		Kind:         audit.KindDecryptionFailure,
		ActorID:      systemActor,
		ResourceType: encryptionKeyResource,
		ResourceID:   env.KeyID,
		Action:       "decrypt",
		Result:       "failure",
		Details:      map[string]any{"algorithm": string(env.Algorithm), "error": err.Error()},
	})
	s.m.log.Warn().Err(err).Str("key_id", env.KeyID).Msg("decryption failed")
}

// EncryptField classifies a field by name, encrypts value and returns the
// encoded envelope.
func (s *Service) EncryptField(name, value string) (string, error) {
	env, err := s.Encrypt([]byte(value), ClassifyField(name))
	if err != nil {
		return "", fmt.Errorf("keys: encrypt field %q: %w", name, err)
	}
	return env.Encode()
}

// DecryptField reverses EncryptField.
func (s *Service) DecryptField(encoded string) (string, error) {
	env, err := DecodeEnvelope(encoded)
	if err != nil {
		return "", err
	}
	plain, err := s.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

var (
	piiMarkers       = []string{"ssn", "tax_id", "taxid", "account_number", "accountnumber", "iban", "passport", "national_id"}
	piiTokens        = []string{"tin"}
	financialMarkers = []string{"amount", "balance", "salary"}
)

// ClassifyField applies name heuristics: identifiers, tax and account numbers
// are PII; amounts, balances and salaries are financial; the rest is general.
func ClassifyField(name string) Classification {
	norm := normalizeFieldName(name)
	for _, m := range piiMarkers {
		if strings.Contains(norm, m) {
			return ClassPII
		}
	}
	for _, tok := range strings.Split(norm, "_") {
		for _, m := range piiTokens {
			if tok == m {
				return ClassPII
			}
		}
	}
	for _, m := range financialMarkers {
		if strings.Contains(norm, m) {
			return ClassFinancial
		}
	}
	return ClassGeneral
}

// normalizeFieldName lowercases and turns camelCase humps and any
// non-alphanumeric run into single underscores.
func normalizeFieldName(name string) string {
	var b strings.Builder
	prevLower := false
	pendingSep := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				pendingSep = true
			}
			r = unicode.ToLower(r)
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			prevLower = true
		default:
			pendingSep = true
			prevLower = false
			continue
		}
		if pendingSep && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingSep = false
		b.WriteRune(r)
	}
	return b.String()
}
