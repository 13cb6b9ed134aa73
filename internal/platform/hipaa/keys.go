package hipaa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MasterKeySize is the required length of the master key in bytes (AES-256).
const MasterKeySize = 32

// Direction separates the subkey namespaces of the two encryption modes.
type Direction string

const (
	DirectionDeterministic Direction = "DET"
	DirectionRandom        Direction = "RND"
)

// DeriveSubkey computes HMAC-SHA256(masterKey, tag ":" field). The result is a
// 32-byte AES-256 key scoped to one field and one encryption mode, so exposure
// of a single subkey never reveals another field's or the other mode's key.
func DeriveSubkey(masterKey []byte, tag Direction, field string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte(string(tag) + ":" + field))
	return mac.Sum(nil)
}

// SubkeyCache memoizes derived subkeys by (direction, field). Derivation is
// pure, so concurrent misses for the same key converge on equal values and the
// cache is only a performance optimization.
type SubkeyCache struct {
	keys  sync.Map // cacheKey -> []byte
	group singleflight.Group
}

type cacheKey struct {
	tag   Direction
	field string
}

// NewSubkeyCache returns an empty cache. Each PHIEncryptor owns its own cache.
func NewSubkeyCache() *SubkeyCache {
	return &SubkeyCache{}
}

// Get returns the cached subkey or computes it with derive and stores it.
func (c *SubkeyCache) Get(tag Direction, field string, derive func() []byte) []byte {
	k := cacheKey{tag: tag, field: field}
	if v, ok := c.keys.Load(k); ok {
		return v.([]byte)
	}

	v, _, _ := c.group.Do(string(tag)+":"+field, func() (interface{}, error) {
		key := derive()
		c.keys.Store(k, key)
		return key, nil
	})
	return v.([]byte)
}

// Len reports the number of cached subkeys.
func (c *SubkeyCache) Len() int {
	n := 0
	c.keys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// LoadMasterKey decodes the configured master key. The key must be base64
// (standard or URL alphabet, padded or not) and decode to exactly 32 bytes.
//
// If encoded is empty a random ephemeral key is generated and ephemeral is
// true. Data written under an ephemeral key cannot be read after a restart, so
// the caller is expected to announce this loudly (see NewEncryptionService).
func LoadMasterKey(encoded string) (key []byte, ephemeral bool, err error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		key = make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generate ephemeral master key: %w", err)
		}
		return key, true, nil
	}

	key, err = decodeBase64(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("%w: not valid base64", ErrInvalidMasterKey)
	}
	if len(key) != MasterKeySize {
		return nil, false, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, MasterKeySize, len(key))
	}
	return key, false, nil
}

// ValidateKeyID checks that a key id can be embedded in an envelope.
func ValidateKeyID(keyID string) error {
	if keyID == "" {
		return fmt.Errorf("%w: key id is empty", ErrInvalidMasterKey)
	}
	if strings.Contains(keyID, envelopeSeparator) {
		return fmt.Errorf("%w: key id %q contains %q", ErrInvalidMasterKey, keyID, envelopeSeparator)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	trimmed := strings.TrimRight(s, "=")
	if strings.ContainsAny(trimmed, "-_") {
		return base64.RawURLEncoding.DecodeString(trimmed)
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}

// announceEphemeralKey logs the degraded-mode banner for a generated master key.
func announceEphemeralKey(logger zerolog.Logger, keyID string) {
	logger.Error().Str("key_id", keyID).Msg("============================================================")
	logger.Error().Str("key_id", keyID).Msg("PHI_MASTER_KEY is not set: using a RANDOM EPHEMERAL master key")
	logger.Error().Str("key_id", keyID).Msg("PHI encrypted in this process is UNRECOVERABLE after restart")
	logger.Error().Str("key_id", keyID).Msg("============================================================")
}
