package hipaa

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func newTestEncryptor(t *testing.T) (*PHIEncryptor, []byte) {
	t.Helper()
	key := generateTestKey(t)
	enc, err := NewPHIEncryptor(key, "k1")
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	return enc, key
}

func TestNewPHIEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		keyID   string
		wantErr bool
	}{
		{"valid 32-byte key", 32, "k1", false},
		{"key too short", 16, "k1", true},
		{"key too long", 64, "k1", true},
		{"empty key", 0, "k1", true},
		{"empty key id", 32, "", true},
		{"key id with separator", 32, "k:1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPHIEncryptor(make([]byte, tt.keyLen), tt.keyID)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMasterKey) {
					t.Fatalf("expected ErrInvalidMasterKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	cases := []string{
		"123-45-6789",
		"john.doe@example.com",
		"",
		"Ünïcödé ✓ 患者",
		strings.Repeat("long clinical narrative ", 200),
		"value:with:colons",
	}

	for _, pt := range cases {
		det, err := enc.EncryptDeterministic("patient.ssn", pt)
		if err != nil {
			t.Fatalf("EncryptDeterministic(%q): %v", pt, err)
		}
		got, err := enc.DecryptDeterministic("patient.ssn", det)
		if err != nil {
			t.Fatalf("DecryptDeterministic: %v", err)
		}
		if got != pt {
			t.Errorf("deterministic round trip: got %q, want %q", got, pt)
		}

		rnd, err := enc.EncryptRandom("clinical_note.body", pt)
		if err != nil {
			t.Fatalf("EncryptRandom(%q): %v", pt, err)
		}
		got, err = enc.DecryptRandom("clinical_note.body", rnd)
		if err != nil {
			t.Fatalf("DecryptRandom: %v", err)
		}
		if got != pt {
			t.Errorf("random round trip: got %q, want %q", got, pt)
		}
	}
}

func TestEncryptDeterministic_Envelope(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	ct, err := enc.EncryptDeterministic("patient.ssn", "123-45-6789")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1d:k1:") {
		t.Fatalf("expected v1d:k1: prefix, got %q", ct)
	}
	payload := strings.TrimPrefix(ct, "v1d:k1:")
	if strings.ContainsAny(payload, "+/=") {
		t.Errorf("payload must be unpadded base64url, got %q", payload)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if want := ivSize + len("123-45-6789") + tagSize; len(raw) != want {
		t.Errorf("payload length = %d, want %d", len(raw), want)
	}
}

func TestEncryptDeterministic_EqualPlaintextsEqualEnvelopes(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	a, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6789")
	b, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6789")
	if a != b {
		t.Errorf("deterministic encryption produced different envelopes:\n%s\n%s", a, b)
	}

	c, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6780")
	if a == c {
		t.Error("different plaintexts produced the same envelope")
	}
}

func TestEncryptDeterministic_StableAcrossInstances(t *testing.T) {
	key := generateTestKey(t)
	e1, _ := NewPHIEncryptor(key, "k1")
	e2, _ := NewPHIEncryptor(key, "k1")

	a, _ := e1.EncryptDeterministic("patient.email", "a@example.com")
	b, _ := e2.EncryptDeterministic("patient.email", "a@example.com")
	if a != b {
		t.Error("two encryptors with the same master key must agree on deterministic output")
	}
}

func TestEncryptRandom_FreshIV(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ct, err := enc.EncryptRandom("clinical_note.body", "same text")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if !strings.HasPrefix(ct, "v1r:k1:") {
			t.Fatalf("expected v1r:k1: prefix, got %q", ct)
		}
		if seen[ct] {
			t.Fatal("random encryption repeated an envelope")
		}
		seen[ct] = true
	}
}

func TestEncryptRandom_IVSourceFailure(t *testing.T) {
	key := generateTestKey(t)
	enc, _ := NewPHIEncryptor(key, "k1", WithRandom(bytes.NewReader(nil)))

	_, err := enc.EncryptRandom("clinical_note.body", "text")
	if !errors.Is(err, ErrEncryptionFailed) {
		t.Fatalf("expected ErrEncryptionFailed, got %v", err)
	}
}

func TestFieldSeparation(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	a, _ := enc.EncryptDeterministic("patient.ssn", "555-0100")
	b, _ := enc.EncryptDeterministic("patient.phone", "555-0100")
	if a == b {
		t.Fatal("same value in two fields must not produce the same envelope")
	}

	_, err := enc.DecryptDeterministic("patient.phone", a)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("decrypting under another field: expected ErrAuthenticationFailed, got %v", err)
	}
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatal("authentication failure must classify as ErrDecryptionFailed")
	}
}

func TestModeSeparation(t *testing.T) {
	key := generateTestKey(t)
	det := DeriveSubkey(key, DirectionDeterministic, "patient.ssn")
	rnd := DeriveSubkey(key, DirectionRandom, "patient.ssn")
	if bytes.Equal(det, rnd) {
		t.Fatal("deterministic and random subkeys must differ for the same field")
	}

	enc, _ := NewPHIEncryptor(key, "k1")
	ct, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6789")

	// Re-tag the deterministic envelope as randomized.
	forged := "v1r" + strings.TrimPrefix(ct, "v1d")
	if _, err := enc.DecryptRandom("patient.ssn", forged); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for re-tagged envelope, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	ct, _ := enc.EncryptRandom("clinical_note.body", "sensitive clinical note")
	prefix := "v1r:k1:"
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ct, prefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for _, pos := range []int{0, ivSize, len(raw) - 1} {
		flipped := append([]byte(nil), raw...)
		flipped[pos] ^= 0x01
		tampered := prefix + base64.RawURLEncoding.EncodeToString(flipped)

		if _, err := enc.DecryptRandom("clinical_note.body", tampered); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("flip at byte %d: expected ErrAuthenticationFailed, got %v", pos, err)
		}
	}
}

func TestDecrypt_WrongMasterKey(t *testing.T) {
	e1, _ := newTestEncryptor(t)
	e2, _ := newTestEncryptor(t)

	ct, _ := e1.EncryptDeterministic("patient.ssn", "123-45-6789")
	if _, err := e2.DecryptDeterministic("patient.ssn", ct); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDecrypt_IgnoresEnvelopeKeyID(t *testing.T) {
	key := generateTestKey(t)
	old, _ := NewPHIEncryptor(key, "k1")
	cur, _ := NewPHIEncryptor(key, "k2")

	ct, _ := old.EncryptDeterministic("patient.ssn", "123-45-6789")
	got, err := cur.DecryptDeterministic("patient.ssn", ct)
	if err != nil {
		t.Fatalf("decrypt with different active key id: %v", err)
	}
	if got != "123-45-6789" {
		t.Errorf("got %q", got)
	}
}

func TestEncrypt_IdempotentOnEnvelopes(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	det, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6789")
	again, err := enc.EncryptDeterministic("patient.ssn", det)
	if err != nil || again != det {
		t.Errorf("re-encrypting a v1d envelope must return it unchanged, got %q, %v", again, err)
	}

	rnd, _ := enc.EncryptRandom("clinical_note.body", "note")
	again, err = enc.EncryptRandom("clinical_note.body", rnd)
	if err != nil || again != rnd {
		t.Errorf("re-encrypting a v1r envelope must return it unchanged, got %q, %v", again, err)
	}
}

func TestDecrypt_PlaintextPassthrough(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	for _, v := range []string{"123-45-6789", "", "v2:something", "V1D:k1:abc"} {
		got, err := enc.DecryptDeterministic("patient.ssn", v)
		if err != nil || got != v {
			t.Errorf("DecryptDeterministic(%q) = %q, %v; want passthrough", v, got, err)
		}
		got, err = enc.DecryptRandom("clinical_note.body", v)
		if err != nil || got != v {
			t.Errorf("DecryptRandom(%q) = %q, %v; want passthrough", v, got, err)
		}
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	enc, _ := newTestEncryptor(t)

	cases := []string{
		"v1d:k1",
		"v1d::AAAA",
		"v1d:k1:!!!not-base64!!!",
		"v1d:k1:" + base64.RawURLEncoding.EncodeToString(make([]byte, ivSize+tagSize-1)),
		"v1.",
	}
	for _, v := range cases {
		if _, err := enc.DecryptDeterministic("patient.ssn", v); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("DecryptDeterministic(%q): expected ErrMalformedEnvelope, got %v", v, err)
		}
	}
}

func TestDecryptDeterministic_LegacyEnvelope(t *testing.T) {
	enc, key := newTestEncryptor(t)
	const field, plaintext = "patient.ssn", "123-45-6789"

	subkey := DeriveSubkey(key, DirectionDeterministic, field)
	mac := hmac.New(sha256.New, subkey)
	mac.Write([]byte(plaintext))
	iv := mac.Sum(nil)[:ivSize]

	aead, err := newGCM(subkey)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	ct := aead.Seal(nil, iv, []byte(plaintext), nil)
	legacy := "v1." + base64.RawURLEncoding.EncodeToString(append(iv, ct...))

	got, err := enc.DecryptDeterministic(field, legacy)
	if err != nil {
		t.Fatalf("decrypt legacy: %v", err)
	}
	if got != plaintext {
		t.Errorf("got %q, want %q", got, plaintext)
	}

	// The legacy form is recognized as encrypted and never re-encrypted.
	again, _ := enc.EncryptDeterministic(field, legacy)
	if again != legacy {
		t.Error("legacy envelope must pass through EncryptDeterministic unchanged")
	}
}

func TestPHIEncryptor_ConcurrentUse(t *testing.T) {
	enc, _ := newTestEncryptor(t)
	want, _ := enc.EncryptDeterministic("patient.ssn", "123-45-6789")

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := enc.EncryptDeterministic("patient.ssn", "123-45-6789")
			if err != nil {
				errs <- err
				return
			}
			if ct != want {
				errs <- errors.New("concurrent deterministic output diverged")
				return
			}
			if _, err := enc.EncryptRandom("clinical_note.body", "note"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
