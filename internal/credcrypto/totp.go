package credcrypto

import (
	"github.com/pquerna/otp/totp"

	"github.com/arcfence/controlplane/internal/cperrors"
)

// GenerateTOTPSecret provisions a new TOTP secret for accountName, the same
// call the teacher's handlers/twofa.go makes before handing the QR code to
// the session layer. CredCrypto's job stops at encrypting the resulting
// secret for storage; verifying OTP codes at login belongs to the external
// auth layer (spec.md §1 Out of scope).
func GenerateTOTPSecret(issuer, accountName string) (secret string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", cperrors.Internal(err, "generate TOTP secret")
	}
	return key.Secret(), nil
}

// EncryptTOTPSecret encrypts a TOTP secret under the TOTP domain key.
func EncryptTOTPSecret(longTermSecret, totpSecret string) (string, error) {
	return New(longTermSecret, DomainTOTP).Encrypt([]byte(totpSecret))
}

// DecryptTOTPSecret reverses EncryptTOTPSecret.
func DecryptTOTPSecret(longTermSecret, payload string) (string, error) {
	plain, err := New(longTermSecret, DomainTOTP).Decrypt(payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
