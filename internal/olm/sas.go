package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MAC method identifiers negotiated during short-auth-string verification.
const (
	MACMethodHKDFSHA256 = "hkdf-hmac-sha256"
	MACMethodLongKDF    = "hmac-sha256"
)

// SAS performs the ephemeral ECDH key agreement behind short-auth-string
// verification. Not safe for concurrent use without the handle lock.
type SAS struct {
	mu       sync.Mutex
	priv     [32]byte
	pub      [32]byte
	secret   []byte // nil until the peer key is set
	released bool
}

// NewSAS generates a fresh ephemeral key pair.
func NewSAS() (*SAS, error) {
	s := &SAS{}
	if _, err := rand.Read(s.priv[:]); err != nil {
		return nil, fmt.Errorf("olm: sas keygen: %w", err)
	}
	curve25519.ScalarBaseMult(&s.pub, &s.priv)
	return s, nil
}

// PublicKey returns our ephemeral public key, unpadded base64.
func (s *SAS) PublicKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	return base64.RawStdEncoding.EncodeToString(s.pub[:]), nil
}

// SetTheirPublicKey completes the key agreement with the peer's ephemeral key.
func (s *SAS) SetTheirPublicKey(key string) error {
	theirPub, err := base64.RawStdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("olm: sas peer key: %w", err)
	}
	if len(theirPub) != 32 {
		return fmt.Errorf("olm: sas peer key: want 32 bytes, got %d", len(theirPub))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	secret, err := curve25519.X25519(s.priv[:], theirPub)
	if err != nil {
		return fmt.Errorf("olm: sas agreement: %w", err)
	}
	s.secret = secret
	return nil
}

// Bytes derives n bytes from the shared secret with the given info string.
// Must be called after SetTheirPublicKey.
func (s *SAS) Bytes(info string, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if s.secret == nil {
		return nil, fmt.Errorf("olm: sas bytes: no shared secret yet")
	}
	r := hkdf.New(sha256.New, s.secret, nil, []byte(info))
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("olm: sas bytes: %w", err)
	}
	return out, nil
}

// CalculateMAC computes the negotiated-method MAC of message under a key
// derived from the shared secret and info. Returns unpadded base64.
func (s *SAS) CalculateMAC(method, message, info string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	if s.secret == nil {
		return "", fmt.Errorf("olm: sas mac: no shared secret yet")
	}

	var keyLen int
	switch method {
	case MACMethodHKDFSHA256:
		keyLen = 32
	case MACMethodLongKDF:
		// Legacy method keyed with a longer HKDF expansion.
		keyLen = 256
	default:
		return "", fmt.Errorf("olm: sas mac: unknown method %q", method)
	}

	r := hkdf.New(sha256.New, s.secret, nil, []byte(info))
	key := make([]byte, keyLen)
	if _, err := r.Read(key); err != nil {
		return "", fmt.Errorf("olm: sas mac key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Release frees the key material. Owned by the Arena.
func (s *SAS) Release() {
	s.mu.Lock()
	s.released = true
	s.secret = nil
	for i := range s.priv {
		s.priv[i] = 0
	}
	s.mu.Unlock()
}

// Commitment computes the hash commitment binding an ephemeral public key to
// the canonical JSON of a start payload: sha256, unpadded base64.
func Commitment(publicKey string, canonicalStart []byte) string {
	h := sha256.New()
	h.Write([]byte(publicKey))
	h.Write(canonicalStart)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}
