// Package crypto provides the SSH key capability used by the agent: generation,
// OpenSSH encoding, signing with agent flags, and token signature encoding.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/utils"
)

// DeviceKeySpec is the key type used for device identities.
var DeviceKeySpec = models.KeySpec{Algorithm: ssh.KeyAlgoECDSA521, Bits: 521}

// KeyService implements service.KeyCrypto.
type KeyService struct{}

// NewKeyService creates a KeyService.
func NewKeyService() *KeyService {
	return &KeyService{}
}

var _ service.KeyCrypto = (*KeyService)(nil)

// Generate creates a new key pair for spec.
func (s *KeyService) Generate(spec models.KeySpec) (*service.KeyMaterial, error) {
	return GenerateKey(spec)
}

// EncodePrivateKey returns the OpenSSH PEM encoding of the key.
func (s *KeyService) EncodePrivateKey(material *service.KeyMaterial, comment string, passphrase []byte) ([]byte, error) {
	return EncodePrivateKey(material.PrivateKey, comment, passphrase)
}

// WritePrivateKey writes path (0600) and path.pub.
func (s *KeyService) WritePrivateKey(path string, material *service.KeyMaterial, comment string, passphrase []byte) error {
	encoded, err := EncodePrivateKey(material.PrivateKey, comment, passphrase)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, encoded, constants.PrivateFileMode); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	pub := models.FormatPublicKey(material.PublicKey(), comment) + "\n"
	if err := WriteFileAtomic(path+".pub", []byte(pub), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// GenerateKey creates a key pair for spec.
func GenerateKey(spec models.KeySpec) (*service.KeyMaterial, error) {
	var priv crypto.PrivateKey
	var err error
	switch spec.Algorithm {
	case ssh.KeyAlgoED25519:
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	case ssh.KeyAlgoRSA:
		bits := spec.Bits
		if bits == 0 {
			bits = 4096
		}
		priv, err = rsa.GenerateKey(rand.Reader, bits)
	case ssh.KeyAlgoECDSA256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ssh.KeyAlgoECDSA384:
		priv, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case ssh.KeyAlgoECDSA521:
		priv, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("unsupported key algorithm %s", spec.Algorithm))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", spec.Algorithm, err)
	}
	return NewKeyMaterial(priv)
}

// GenerateDeviceKey creates the ECDSA P-521 key pair that identifies a paired device.
func GenerateDeviceKey() (*service.KeyMaterial, error) {
	return GenerateKey(DeviceKeySpec)
}

// NewKeyMaterial wraps a private key.
func NewKeyMaterial(priv crypto.PrivateKey) (*service.KeyMaterial, error) {
	if p, ok := priv.(*ed25519.PrivateKey); ok {
		priv = *p
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &service.KeyMaterial{PrivateKey: priv, Signer: signer}, nil
}

// EncodePrivateKey renders priv in OpenSSH PEM form, encrypted when passphrase is non-empty.
func EncodePrivateKey(priv crypto.PrivateKey, comment string, passphrase []byte) ([]byte, error) {
	var block *pem.Block
	var err error
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKey decodes a PEM private key, using passphrase when it is encrypted.
func ParsePrivateKey(pemBytes []byte, passphrase []byte) (*service.KeyMaterial, error) {
	var raw interface{}
	var err error
	if len(passphrase) > 0 {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, passphrase)
	} else {
		raw, err = ssh.ParseRawPrivateKey(pemBytes)
	}
	if err != nil {
		return nil, err
	}
	return NewKeyMaterial(raw)
}

// IsPassphraseMissing reports whether err means the key is encrypted.
func IsPassphraseMissing(err error) bool {
	_, ok := err.(*ssh.PassphraseMissingError)
	return ok
}

// ParsePublicKey parses an authorized_keys formatted public key.
func ParsePublicKey(formatted string) (ssh.PublicKey, string, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(formatted))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, comment, nil
}

// ================================================================================
// Signatures
// ================================================================================

// DefaultFlags selects rsa-sha2-256 for RSA keys and no flags otherwise.
func DefaultFlags(pub ssh.PublicKey) agent.SignatureFlags {
	if pub.Type() == ssh.KeyAlgoRSA {
		return agent.SignatureFlagRsaSha256
	}
	return 0
}

// Sign signs data with signer, honouring the rsa-sha2 agent flags.
func Sign(signer ssh.Signer, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	if signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		if as, ok := signer.(ssh.AlgorithmSigner); ok {
			switch {
			case flags&agent.SignatureFlagRsaSha512 != 0:
				return as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
			case flags&agent.SignatureFlagRsaSha256 != 0:
				return as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA256)
			}
		}
	}
	return signer.Sign(rand.Reader, data)
}

// EncodeSignature renders sig as base64url of its SSH wire encoding, the token format.
func EncodeSignature(sig *ssh.Signature) string {
	return utils.EncodeBase64URL(ssh.Marshal(sig))
}

// DecodeSignature parses a base64url SSH wire signature.
func DecodeSignature(encoded string) (*ssh.Signature, error) {
	raw, err := utils.DecodeBase64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	return ParseSignatureBlob(raw)
}

// ParseSignatureBlob parses an SSH wire signature.
func ParseSignatureBlob(raw []byte) (*ssh.Signature, error) {
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(raw, sig); err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	return sig, nil
}

// SignToken signs payload and returns the encoded signature.
func SignToken(signer ssh.Signer, payload []byte) (string, error) {
	sig, err := Sign(signer, payload, DefaultFlags(signer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return EncodeSignature(sig), nil
}

// VerifyToken checks that token is a valid signature by pub over payload.
func VerifyToken(pub ssh.PublicKey, token string, payload []byte) error {
	sig, err := DecodeSignature(token)
	if err != nil {
		return errors.ErrInvalidSignature(err.Error())
	}
	if err := pub.Verify(payload, sig); err != nil {
		return errors.ErrInvalidSignature(err.Error())
	}
	return nil
}

// ================================================================================
// Files
// ================================================================================

// WriteFileAtomic writes data to a temporary file in the same directory and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, constants.PrivateDirMode); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
