package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	gcmNonceSize       = 12
	gcmTagSize         = 16
	secretboxNonceSize = 24
)

func newGCM(k []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealGCM returns nonce and ciphertext||tag. aad binds the ciphertext to its key id.
func sealGCM(k, plaintext, aad []byte) ([]byte, []byte, error) {
	gcm, err := newGCM(k)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

func openGCM(k, nonce, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(k)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidCiphertext, len(nonce))
	}
	return gcm.Open(nil, nonce, sealed, aad)
}

func sealSecretbox(k, plaintext []byte) ([]byte, []byte, error) {
	var (
		nonce [secretboxNonceSize]byte
		sk    [symmetricKeySize]byte
	)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, err
	}
	copy(sk[:], k)
	return nonce[:], secretbox.Seal(nil, plaintext, &nonce, &sk), nil
}

func openSecretbox(k, nonceBytes, sealed []byte) ([]byte, error) {
	if len(nonceBytes) != secretboxNonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidCiphertext, len(nonceBytes))
	}
	var (
		nonce [secretboxNonceSize]byte
		sk    [symmetricKeySize]byte
	)
	copy(nonce[:], nonceBytes)
	copy(sk[:], k)
	plain, ok := secretbox.Open(nil, sealed, &nonce, &sk)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// maxOAEPPayload is the largest plaintext a single OAEP-SHA256 block holds.
func maxOAEPPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// sealRSA encrypts directly when plaintext fits one block. Otherwise it
// returns encKey||nonce||tag||ciphertext under a one-time AES-256-GCM key
// and reports hybrid=true.
func sealRSA(pub *rsa.PublicKey, plaintext []byte) (out []byte, hybrid bool, err error) {
	if len(plaintext) <= maxOAEPPayload(pub) {
		out, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
		return out, false, err
	}
	oneTime := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, oneTime); err != nil {
		return nil, false, err
	}
	nonce, sealed, err := sealGCM(oneTime, plaintext, nil)
	if err != nil {
		return nil, false, err
	}
	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, oneTime, nil)
	if err != nil {
		return nil, false, err
	}
	body, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	out = make([]byte, 0, len(encKey)+len(nonce)+len(tag)+len(body))
	out = append(out, encKey...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, true, nil
}

func openRSA(priv *rsa.PrivateKey, data []byte, hybrid bool) ([]byte, error) {
	if !hybrid {
		return rsa.DecryptOAEP(sha256.New(), nil, priv, data, nil)
	}
	size := priv.Size()
	if len(data) < size+gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: hybrid payload too short", ErrInvalidCiphertext)
	}
	encKey := data[:size]
	nonce := data[size : size+gcmNonceSize]
	tag := data[size+gcmNonceSize : size+gcmNonceSize+gcmTagSize]
	body := data[size+gcmNonceSize+gcmTagSize:]

	oneTime, err := rsa.DecryptOAEP(sha256.New(), nil, priv, encKey, nil)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	return openGCM(oneTime, nonce, sealed, nil)
}
