package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// FieldCipher is the field-level encryption contract used by the persistence
// hook and the backfill job.
type FieldCipher interface {
	EncryptDeterministic(field, plaintext string) (string, error)
	DecryptDeterministic(field, value string) (string, error)
	EncryptRandom(field, plaintext string) (string, error)
	DecryptRandom(field, value string) (string, error)
	ActiveKeyID() string
}

// PHIEncryptor provides AES-256-GCM field-level encryption for PHI using
// per-field, per-mode subkeys derived from a single master key.
//
// It is safe for concurrent use. The only shared mutable state is the subkey cache.
type PHIEncryptor struct {
	masterKey []byte
	keyID     string
	cache     *SubkeyCache
	rand      io.Reader
}

// EncryptorOption customizes a PHIEncryptor.
type EncryptorOption func(*PHIEncryptor)

// WithSubkeyCache injects the subkey cache, e.g. to share one between
// encryptors built from the same master key.
func WithSubkeyCache(c *SubkeyCache) EncryptorOption {
	return func(e *PHIEncryptor) { e.cache = c }
}

// WithRandom replaces the IV source of randomized encryption.
func WithRandom(r io.Reader) EncryptorOption {
	return func(e *PHIEncryptor) { e.rand = r }
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte master key.
// keyID is embedded in every envelope produced.
func NewPHIEncryptor(masterKey []byte, keyID string, opts ...EncryptorOption) (*PHIEncryptor, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, MasterKeySize, len(masterKey))
	}
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)

	e := &PHIEncryptor{
		masterKey: key,
		keyID:     keyID,
		cache:     NewSubkeyCache(),
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ActiveKeyID returns the key id written into new envelopes.
func (e *PHIEncryptor) ActiveKeyID() string {
	return e.keyID
}

// EncryptDeterministic encrypts plaintext so that equal plaintexts of the same
// field produce equal envelopes. The IV is the first 12 bytes of
// HMAC-SHA256(subkey, plaintext). Values that already look encrypted are
// returned unchanged.
func (e *PHIEncryptor) EncryptDeterministic(field, plaintext string) (string, error) {
	if LooksEncrypted(plaintext) {
		return plaintext, nil
	}

	subkey := e.subkey(DirectionDeterministic, field)
	mac := hmac.New(sha256.New, subkey)
	mac.Write([]byte(plaintext))
	iv := mac.Sum(nil)[:ivSize]

	return e.seal(SchemeDeterministic, subkey, iv, plaintext)
}

// DecryptDeterministic decrypts "v1d" and legacy "v1." envelopes. Any other
// input is returned unchanged so plaintext rows written before migration stay
// readable.
func (e *PHIEncryptor) DecryptDeterministic(field, value string) (string, error) {
	scheme, ok := SchemeOf(value)
	if !ok || (scheme != SchemeDeterministic && scheme != SchemeLegacy) {
		return value, nil
	}
	return e.open(DirectionDeterministic, field, value)
}

// EncryptRandom encrypts plaintext with a fresh random IV, so two encryptions
// of the same value are unrelated. Values that already look encrypted are
// returned unchanged.
func (e *PHIEncryptor) EncryptRandom(field, plaintext string) (string, error) {
	if LooksEncrypted(plaintext) {
		return plaintext, nil
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return "", fmt.Errorf("%w: generate iv: %v", ErrEncryptionFailed, err)
	}
	return e.seal(SchemeRandom, e.subkey(DirectionRandom, field), iv, plaintext)
}

// DecryptRandom decrypts "v1r" envelopes. Any other input is returned unchanged.
func (e *PHIEncryptor) DecryptRandom(field, value string) (string, error) {
	scheme, ok := SchemeOf(value)
	if !ok || scheme != SchemeRandom {
		return value, nil
	}
	return e.open(DirectionRandom, field, value)
}

func (e *PHIEncryptor) subkey(tag Direction, field string) []byte {
	return e.cache.Get(tag, field, func() []byte {
		return DeriveSubkey(e.masterKey, tag, field)
	})
}

func (e *PHIEncryptor) seal(scheme Scheme, subkey, iv []byte, plaintext string) (string, error) {
	aead, err := newGCM(subkey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ct := aead.Seal(nil, iv, []byte(plaintext), nil)
	return FormatEnvelope(scheme, e.keyID, iv, ct), nil
}

// open parses and authenticates an envelope. The envelope's key id is not
// consulted: only the currently loaded master key can decrypt.
func (e *PHIEncryptor) open(tag Direction, field, value string) (string, error) {
	env, err := ParseEnvelope(value)
	if err != nil {
		return "", err
	}

	aead, err := newGCM(e.subkey(tag, field))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
