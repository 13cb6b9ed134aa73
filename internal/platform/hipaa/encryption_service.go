package hipaa

import (
	"fmt"

	"github.com/rs/zerolog"
)

// EncryptionService owns the process-wide field encryptor built from
// configuration. It is created once at startup.
type EncryptionService struct {
	encryptor *PHIEncryptor
	ephemeral bool
}

// NewEncryptionService loads the master key and builds the field encryptor.
//
// If masterKey is empty a random ephemeral key is generated and a loud ERROR
// banner is logged: everything encrypted by this process becomes unreadable
// once it exits. A malformed key or key id is a configuration error and the
// caller must refuse to start.
func NewEncryptionService(masterKey, keyID string, logger zerolog.Logger) (*EncryptionService, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}

	key, ephemeral, err := LoadMasterKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("PHI_MASTER_KEY: %w", err)
	}

	enc, err := NewPHIEncryptor(key, keyID)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}

	if ephemeral {
		announceEphemeralKey(logger, keyID)
	} else {
		logger.Info().Str("key_id", keyID).Msg("PHI field-level encryption enabled")
	}

	return &EncryptionService{encryptor: enc, ephemeral: ephemeral}, nil
}

// Encryptor returns the field encryptor.
func (s *EncryptionService) Encryptor() *PHIEncryptor {
	return s.encryptor
}

// IsEphemeral reports whether the master key was generated at startup.
func (s *EncryptionService) IsEphemeral() bool {
	return s.ephemeral
}

// KeyID returns the active key id.
func (s *EncryptionService) KeyID() string {
	return s.encryptor.ActiveKeyID()
}
