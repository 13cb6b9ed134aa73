package hipaa

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMasterKey is a configuration error: the process must not start.
	ErrInvalidMasterKey = errors.New("invalid master key configuration")

	// ErrDecryptionFailed classifies every failure to turn a stored envelope
	// back into plaintext. It is the only detail that may reach an external caller.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMalformedEnvelope means the value carries a ciphertext tag but cannot
	// be parsed (missing separator, bad encoding, truncated payload).
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)

	// ErrAuthenticationFailed means AES-GCM rejected the ciphertext or tag:
	// wrong subkey, bit flip, or a value from another field.
	ErrAuthenticationFailed = fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)

	// ErrSchemeMismatch means a stored envelope was produced in a different
	// mode than the attribute declares.
	ErrSchemeMismatch = fmt.Errorf("%w: envelope scheme does not match attribute mode", ErrDecryptionFailed)

	// ErrEncryptionFailed classifies failures while producing an envelope.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// FieldError records a failure on one sensitive attribute. It never carries
// the attribute's value.
type FieldError struct {
	Entity    string
	Attribute string
	Err       error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Entity, e.Attribute, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
