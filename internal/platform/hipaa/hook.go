package hipaa

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/telemetry"
)

// Crossing is the direction in which an entity crosses the storage boundary.
type Crossing int

const (
	// ToStorage runs immediately before an entity is written.
	ToStorage Crossing = iota
	// FromStorage runs immediately after an entity is read.
	FromStorage
)

func (c Crossing) String() string {
	if c == ToStorage {
		return "to_storage"
	}
	return "from_storage"
}

// Hook encrypts an entity's sensitive attributes before they are written and
// decrypts them right after they are read, so service code only ever sees
// plaintext. Attributes come from the Schema; values from the entity's
// PHIFields binding.
type Hook struct {
	schema  *Schema
	cipher  FieldCipher
	logger  zerolog.Logger
	metrics telemetry.BusinessMetrics
}

// NewHook creates a persistence hook. metrics may be nil.
func NewHook(schema *Schema, cipher FieldCipher, logger zerolog.Logger, metrics telemetry.BusinessMetrics) *Hook {
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	return &Hook{
		schema:  schema,
		cipher:  cipher,
		logger:  logger.With().Str("component", "phi_hook").Logger(),
		metrics: metrics,
	}
}

// Schema returns the registry the hook was built with.
func (h *Hook) Schema() *Schema {
	return h.schema
}

// BeforeWrite encrypts the entity's sensitive attributes in place.
func (h *Hook) BeforeWrite(ctx context.Context, e Protected) error {
	return h.Apply(ctx, e, ToStorage)
}

// AfterRead decrypts the entity's sensitive attributes in place.
func (h *Hook) AfterRead(ctx context.Context, e Protected) error {
	return h.Apply(ctx, e, FromStorage)
}

// Apply processes every declared attribute of e. A failure on one attribute
// is logged (entity and attribute only, never the value) and does not stop
// the remaining attributes; all failures are returned joined as *FieldError.
func (h *Hook) Apply(ctx context.Context, e Protected, dir Crossing) error {
	if e == nil {
		return nil
	}
	entity := e.EntityName()
	attrs := h.schema.Attributes(entity)
	if len(attrs) == 0 {
		return nil
	}

	fields := e.PHIFields()
	var errs []error
	for _, attr := range attrs {
		value, bound := fields[attr.Attribute]
		if !bound {
			h.logger.Warn().
				Str("entity", entity).
				Str("attribute", attr.Attribute).
				Msg("sensitive attribute has no PHIFields binding")
			continue
		}
		if value == nil || *value == "" {
			continue
		}

		out, err := h.transform(attr, *value, dir)
		operation := "encrypt_field"
		if dir == FromStorage {
			operation = "decrypt_field"
		}
		h.metrics.RecordOperation(ctx, "phi", operation, telemetry.StatusOf(err))
		if err != nil {
			h.logger.Error().
				Err(err).
				Str("entity", entity).
				Str("attribute", attr.Attribute).
				Str("direction", dir.String()).
				Msg("PHI field processing failed")
			errs = append(errs, &FieldError{Entity: entity, Attribute: attr.Attribute, Err: err})
			continue
		}
		*value = out
	}
	return errors.Join(errs...)
}

func (h *Hook) transform(attr SensitiveAttribute, value string, dir Crossing) (string, error) {
	key := attr.LogicalKey()

	if dir == ToStorage {
		if LooksEncrypted(value) {
			return value, nil
		}
		return Encrypt(h.cipher, attr.Mode, key, value)
	}

	scheme, encrypted := SchemeOf(value)
	if !encrypted {
		return value, nil
	}
	if !schemeMatches(attr.Mode, scheme) {
		return "", ErrSchemeMismatch
	}
	return Decrypt(h.cipher, attr.Mode, key, value)
}

// SearchToken returns the stored form of plaintext for an equality lookup on
// a deterministic attribute.
func (h *Hook) SearchToken(entity, attribute, plaintext string) (string, error) {
	attr, ok := h.schema.Lookup(entity, attribute)
	if !ok {
		return plaintext, nil
	}
	if attr.Mode != ModeDeterministic {
		return "", fmt.Errorf("%s.%s is randomized and cannot be searched by value", entity, attribute)
	}
	return h.cipher.EncryptDeterministic(attr.LogicalKey(), plaintext)
}

// Encrypt encrypts value under the given mode.
func Encrypt(c FieldCipher, mode Mode, key, value string) (string, error) {
	if mode == ModeRandom {
		return c.EncryptRandom(key, value)
	}
	return c.EncryptDeterministic(key, value)
}

// Decrypt decrypts value under the given mode.
func Decrypt(c FieldCipher, mode Mode, key, value string) (string, error) {
	if mode == ModeRandom {
		return c.DecryptRandom(key, value)
	}
	return c.DecryptDeterministic(key, value)
}

func schemeMatches(mode Mode, scheme Scheme) bool {
	if mode == ModeRandom {
		return scheme == SchemeRandom
	}
	return scheme == SchemeDeterministic || scheme == SchemeLegacy
}
