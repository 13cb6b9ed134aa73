package hipaa

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Scheme identifies how an envelope was produced.
type Scheme string

const (
	SchemeDeterministic Scheme = "v1d"
	SchemeRandom        Scheme = "v1r"
	// SchemeLegacy is the pre-key-id deterministic form "v1.<payload>". It is
	// still parsed but never produced.
	SchemeLegacy Scheme = "v1."
)

const (
	envelopeSeparator = ":"
	ivSize            = 12
	tagSize           = 16
)

var (
	prefixDeterministic = string(SchemeDeterministic) + envelopeSeparator
	prefixRandom        = string(SchemeRandom) + envelopeSeparator
	prefixLegacy        = string(SchemeLegacy)
)

// Envelope is the parsed form of a stored ciphertext.
type Envelope struct {
	Scheme     Scheme
	KeyID      string // empty for legacy envelopes
	IV         []byte
	Ciphertext []byte // AEAD output: encrypted bytes followed by the 16-byte tag
}

// LooksEncrypted reports whether s carries one of the reserved ciphertext
// prefixes. Any other string is plaintext.
func LooksEncrypted(s string) bool {
	return strings.HasPrefix(s, prefixDeterministic) ||
		strings.HasPrefix(s, prefixRandom) ||
		strings.HasPrefix(s, prefixLegacy)
}

// SchemeOf returns the scheme of an encrypted value and false for plaintext.
func SchemeOf(s string) (Scheme, bool) {
	switch {
	case strings.HasPrefix(s, prefixDeterministic):
		return SchemeDeterministic, true
	case strings.HasPrefix(s, prefixRandom):
		return SchemeRandom, true
	case strings.HasPrefix(s, prefixLegacy):
		return SchemeLegacy, true
	}
	return "", false
}

// FormatEnvelope serializes scheme:keyID:base64url(iv ‖ ciphertext).
func FormatEnvelope(scheme Scheme, keyID string, iv, ciphertext []byte) string {
	payload := make([]byte, 0, len(iv)+len(ciphertext))
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	return string(scheme) + envelopeSeparator + keyID + envelopeSeparator +
		base64.RawURLEncoding.EncodeToString(payload)
}

// ParseEnvelope parses a value produced by FormatEnvelope or a legacy
// "v1.<payload>" value. It returns ErrMalformedEnvelope for anything that is
// not a well-formed envelope, including plaintext.
func ParseEnvelope(s string) (*Envelope, error) {
	scheme, ok := SchemeOf(s)
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme tag", ErrMalformedEnvelope)
	}

	var keyID, encoded string
	if scheme == SchemeLegacy {
		encoded = strings.TrimPrefix(s, prefixLegacy)
	} else {
		rest := s[len(scheme)+len(envelopeSeparator):]
		idx := strings.Index(rest, envelopeSeparator)
		if idx < 0 {
			return nil, fmt.Errorf("%w: missing key id separator", ErrMalformedEnvelope)
		}
		keyID, encoded = rest[:idx], rest[idx+1:]
		if keyID == "" {
			return nil, fmt.Errorf("%w: empty key id", ErrMalformedEnvelope)
		}
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url", ErrMalformedEnvelope)
	}
	if len(payload) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrMalformedEnvelope, len(payload))
	}

	return &Envelope{
		Scheme:     scheme,
		KeyID:      keyID,
		IV:         payload[:ivSize],
		Ciphertext: payload[ivSize:],
	}, nil
}

// EnvelopeKeyID returns the key id embedded in an encrypted value, or "" for
// plaintext and legacy values.
func EnvelopeKeyID(s string) string {
	env, err := ParseEnvelope(s)
	if err != nil {
		return ""
	}
	return env.KeyID
}
