// Package securestore seals device secrets at rest with an argon2id-derived
// XChaCha20-Poly1305 key.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	stderrors "errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	prefix          = "KAENC1\n"

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrAuthFailed = stderrors.New("securestore authentication failed")
	ErrInvalid    = stderrors.New("securestore envelope is invalid")
	ErrPlaintext  = stderrors.New("securestore data is not sealed")
)

// Envelope is the serialized form of a sealed value.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Sealer encrypts values with a fixed secret. A Sealer with an empty secret passes
// values through unchanged, so unencrypted state stays readable.
type Sealer struct {
	secret string
}

// NewSealer returns a Sealer for secret.
func NewSealer(secret string) *Sealer {
	return &Sealer{secret: secret}
}

// Enabled reports whether values are encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && s.secret != ""
}

// Seal encrypts plaintext when a secret is configured.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if !s.Enabled() || len(plaintext) == 0 {
		return plaintext, nil
	}
	return Encrypt(s.secret, plaintext)
}

// Open decrypts data sealed by Seal. Unsealed data is returned as is.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if !s.Enabled() {
		return nil, ErrAuthFailed
	}
	return Decrypt(s.secret, data)
}

// IsSealed reports whether data carries the envelope prefix.
func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), prefix)
}

// Encrypt seals plaintext under passphrase.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(&Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(prefix), raw...), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrPlaintext
	}
	var env Envelope
	if err := json.Unmarshal(data[len(prefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(prefix))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
