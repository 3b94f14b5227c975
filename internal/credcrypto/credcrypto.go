// Package credcrypto implements AEAD encryption and decryption of firewall
// provider credentials and TOTP secrets (spec.md §4.12, L2 CredCrypto).
//
// Grounded on the teacher's internal/security/encryption.go (AES-256-GCM
// envelope) and password_encryption.go (hex-encoded field layout), adapted
// to the spec's literal key derivation (PBKDF2-HMAC-SHA256, domain-separated
// salts) and three-field `iv:tag:ct` hex envelope instead of the teacher's
// single base64 blob.
package credcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/arcfence/controlplane/internal/cperrors"
)

// Domain-separates the derived key per use site, so a TOTP secret and a
// provider credential encrypted under the same long-term secret never share
// a key (spec.md §4.12).
type Domain string

const (
	DomainTOTP Domain = "totp-encryption-salt"
	DomainCert Domain = "cert-credential-salt"
)

const (
	pbkdf2Iterations = 100_000
	keyLenBytes      = 32
	nonceLenBytes    = 16
	tagLenBytes      = 16
)

// Cipher derives its key once per secret+domain pair and performs
// AES-256-GCM envelope encryption/decryption. Construct one per domain the
// caller needs (CredCrypto has exactly two: TOTP secrets and cert/ban
// credentials).
type Cipher struct {
	key []byte
}

// New derives the AES-256 key for domain from secret via PBKDF2-HMAC-SHA256,
// 100,000 iterations, using domain as the (fixed, non-random) salt.
func New(secret string, domain Domain) *Cipher {
	key := pbkdf2.Key([]byte(secret), []byte(domain), pbkdf2Iterations, keyLenBytes, sha256.New)
	return &Cipher{key: key}
}

// Encrypt seals plaintext and returns the hex `iv:tag:ct` envelope
// (spec.md §4.12).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", cperrors.Internal(err, "construct AES cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLenBytes)
	if err != nil {
		return "", cperrors.Internal(err, "construct GCM mode")
	}

	nonce := make([]byte, nonceLenBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", cperrors.Internal(err, "generate nonce")
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	if len(sealed) < tagLenBytes {
		return "", cperrors.Internal(nil, "sealed output shorter than GCM tag")
	}
	ct := sealed[:len(sealed)-tagLenBytes]
	tag := sealed[len(sealed)-tagLenBytes:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a hex `iv:tag:ct` envelope. Any payload that does not split
// into exactly three hex fields, or whose tag fails to verify, is rejected
// (spec.md §4.12, testable property 7: tampered byte fails).
func (c *Cipher) Decrypt(payload string) ([]byte, error) {
	fields := strings.Split(payload, ":")
	if len(fields) != 3 {
		return nil, cperrors.InvalidInput("credential envelope must have exactly 3 fields, got %d", len(fields))
	}

	nonce, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, cperrors.InvalidInput("malformed iv field: %v", err)
	}
	tag, err := hex.DecodeString(fields[1])
	if err != nil {
		return nil, cperrors.InvalidInput("malformed tag field: %v", err)
	}
	ct, err := hex.DecodeString(fields[2])
	if err != nil {
		return nil, cperrors.InvalidInput("malformed ciphertext field: %v", err)
	}
	if len(nonce) != nonceLenBytes {
		return nil, cperrors.InvalidInput("iv must be %d bytes, got %d", nonceLenBytes, len(nonce))
	}
	if len(tag) != tagLenBytes {
		return nil, cperrors.InvalidInput("tag must be %d bytes, got %d", tagLenBytes, len(tag))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, cperrors.Internal(err, "construct AES cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLenBytes)
	if err != nil {
		return nil, cperrors.Internal(err, "construct GCM mode")
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, cperrors.InvalidInput("decryption failed, payload tampered or wrong key: %v", err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and encrypts it (spec.md §4.12 "every credential
// payload is (de)serialized as JSON inside the envelope").
func (c *Cipher) EncryptJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", cperrors.InvalidInput("marshal credential payload: %v", err)
	}
	return c.Encrypt(raw)
}

// DecryptJSON decrypts payload and unmarshals it into v.
func (c *Cipher) DecryptJSON(payload string, v any) error {
	raw, err := c.Decrypt(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal decrypted credential payload: %w", err)
	}
	return nil
}
