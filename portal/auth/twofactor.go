package auth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSecretCorrupted = errors.New("two factor secret could not be decrypted")

// SecretCipher encrypts TOTP secrets at rest. XChaCha20-Poly1305 with a
// random nonce per encryption; the nonce is prepended to the ciphertext.
// Tampered or truncated ciphertext fails the tag check on decrypt, it never
// returns garbage.
type SecretCipher struct {
	key []byte
}

func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("two factor secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SecretCipher{key: key}, nil
}

func (c *SecretCipher) Encrypt(secret string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("error initializing secret cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("error generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, []byte(secret), nil), nil
}

func (c *SecretCipher) Decrypt(ciphertext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("error initializing secret cipher: %w", err)
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", ErrSecretCorrupted
	}

	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	secret, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrSecretCorrupted
	}

	return string(secret), nil
}

// TwoFactor manages TOTP enrollment and verification with secrets held only
// in encrypted form.
type TwoFactor struct {
	cipher *SecretCipher
	issuer string
}

func NewTwoFactor(cipher *SecretCipher, issuer string) *TwoFactor {
	return &TwoFactor{cipher: cipher, issuer: issuer}
}

// Enroll generates a new TOTP secret for the account. It returns the
// encrypted secret to persist and the otpauth url for the authenticator app.
func (t *TwoFactor) Enroll(account string) ([]byte, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: t.issuer, AccountName: account})
	if err != nil {
		return nil, "", fmt.Errorf("error generating totp secret: %w", err)
	}

	encrypted, err := t.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, "", err
	}

	return encrypted, key.URL(), nil
}

// Verify checks a TOTP code against the stored encrypted secret. Decryption
// failure is fatal for the operation, it is never treated as "unverified".
func (t *TwoFactor) Verify(code string, encryptedSecret []byte) (bool, error) {
	secret, err := t.cipher.Decrypt(encryptedSecret)
	if err != nil {
		return false, err
	}

	return totp.Validate(code, secret), nil
}
