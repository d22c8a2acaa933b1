package service

import (
	"crypto"

	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// KeyMaterial is a freshly generated or loaded key pair.
type KeyMaterial struct {
	PrivateKey crypto.PrivateKey
	Signer     ssh.Signer
}

// PublicKey returns the SSH public key of the pair.
func (m *KeyMaterial) PublicKey() ssh.PublicKey {
	return m.Signer.PublicKey()
}

// KeyCrypto is the key generation and storage capability.
type KeyCrypto interface {
	// Generate creates a new key pair for spec.
	Generate(spec models.KeySpec) (*KeyMaterial, error)

	// WritePrivateKey stores the key in OpenSSH format with owner-only permissions,
	// encrypted when passphrase is non-empty. The public key is written alongside as path.pub.
	WritePrivateKey(path string, material *KeyMaterial, comment string, passphrase []byte) error

	// EncodePrivateKey returns the OpenSSH PEM encoding, encrypted when passphrase is non-empty.
	EncodePrivateKey(material *KeyMaterial, comment string, passphrase []byte) ([]byte, error)
}
