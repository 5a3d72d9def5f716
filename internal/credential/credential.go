// Package credential resolves remote-access credentials for launched
// instances and seals the Windows password for storage.
package credential

import "errors"

var (
	// ErrCredentialUnavailable is returned when password data never arrives.
	ErrCredentialUnavailable = errors.New("credential: unavailable")
	// ErrDecryption is returned for tampered or mis-keyed ciphertext.
	ErrDecryption = errors.New("credential: decryption failed")
)

// Credential is transient remote-access material. It is never persisted in
// plaintext.
type Credential struct {
	Username   string
	Secret     string // Windows password
	PrivateKey []byte // PEM, Linux only
	Address    string
}

// HasPassword reports whether the credential authenticates by password.
func (c Credential) HasPassword() bool {
	return c.Secret != ""
}
