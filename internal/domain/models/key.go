package models

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/pkg/constants"
)

// KeyRecord identifies a public/private key pair known to the agent.
// The Source tag is resolved once when the record is created, so callers never need
// to probe several stores to learn where the private half lives.
// KeyRecord 标识代理已知的公钥/私钥对。
// Source 标签在创建记录时确定一次，调用方无需探测多个存储来确定私钥所在位置。
type KeyRecord struct {
	// PublicKey is the SSH public key; its SHA256 fingerprint is the record identity.
	// PublicKey 是 SSH 公钥；其 SHA256 指纹即记录标识。
	PublicKey ssh.PublicKey
	// Signer holds the private half for local keys and is nil for remote device keys.
	// Signer 为本地密钥持有私钥，对远程设备密钥为 nil。
	Signer ssh.Signer
	// Name is the human-readable description (the key comment).
	// Name 是人类可读的描述（密钥注释）。
	Name string
	// File is the source file when the key was loaded from or written to disk.
	// File 是从磁盘加载或写入磁盘时的源文件。
	File string
	// Source tags the backend that performs signatures for this key.
	// Source 标记为该密钥执行签名的后端。
	Source constants.KeySource

	privateKey crypto.PrivateKey
	teamKey    atomic.Bool
}

// NewLocalKeyRecord builds a record for a key whose private half is held in-process.
func NewLocalKeyRecord(signer ssh.Signer, name, file string) *KeyRecord {
	return &KeyRecord{
		PublicKey: signer.PublicKey(),
		Signer:    signer,
		Name:      name,
		File:      file,
		Source:    constants.KeySourceLocal,
	}
}

// NewRemoteKeyRecord builds a record for a device key advertised by the gateway.
func NewRemoteKeyRecord(pub ssh.PublicKey, name string) *KeyRecord {
	return &KeyRecord{
		PublicKey: pub,
		Name:      name,
		Source:    constants.KeySourceRemote,
	}
}

// WithPrivateKey attaches the raw private key so the record can be re-encoded,
// e.g. when it is imported to the paired device.
func (r *KeyRecord) WithPrivateKey(priv crypto.PrivateKey) *KeyRecord {
	r.privateKey = priv
	return r
}

// PrivateKey returns the raw private key, or nil when it is not held in-process.
func (r *KeyRecord) PrivateKey() crypto.PrivateKey {
	return r.privateKey
}

// Fingerprint returns the SHA256 fingerprint, which is also the map identity of the record.
func (r *KeyRecord) Fingerprint() string {
	return ssh.FingerprintSHA256(r.PublicKey)
}

// Algorithm returns the SSH key type, e.g. ssh-ed25519.
func (r *KeyRecord) Algorithm() string {
	return r.PublicKey.Type()
}

// BitLength returns the key size in bits.
func (r *KeyRecord) BitLength() int {
	return BitLength(r.PublicKey)
}

// IsLocal reports whether signatures are produced in-process.
func (r *KeyRecord) IsLocal() bool {
	return r.Source == constants.KeySourceLocal
}

// IsTeamKey reports whether the key was confirmed present on the key-management domain.
func (r *KeyRecord) IsTeamKey() bool {
	return r.teamKey.Load()
}

// SetTeamKey records the outcome of a key-management domain probe.
func (r *KeyRecord) SetTeamKey(v bool) {
	r.teamKey.Store(v)
}

// Info projects the record into a value suitable for listing and serialization.
func (r *KeyRecord) Info() KeyInfo {
	return KeyInfo{
		Name:        r.Name,
		Fingerprint: r.Fingerprint(),
		Algorithm:   r.Algorithm(),
		Bits:        r.BitLength(),
		TeamKey:     r.IsTeamKey(),
		File:        r.File,
		Source:      r.Source,
		PublicKey:   FormatPublicKey(r.PublicKey, ""),
	}
}

// KeyInfo is a read-only projection of a KeyRecord.
type KeyInfo struct {
	Name        string              `json:"name" yaml:"name"`
	Fingerprint string              `json:"fingerprint" yaml:"fingerprint"`
	Algorithm   string              `json:"algorithm" yaml:"algorithm"`
	Bits        int                 `json:"bits" yaml:"bits"`
	TeamKey     bool                `json:"team_key" yaml:"team_key"`
	File        string              `json:"file,omitempty" yaml:"file,omitempty"`
	Source      constants.KeySource `json:"source,omitempty" yaml:"source,omitempty"`
	PublicKey   string              `json:"public_key" yaml:"public_key"`
}

// KeySpec defines the specifications for generating a new key.
// KeySpec 定义了生成新密钥的规范。
type KeySpec struct {
	// Algorithm is the SSH key type to generate (ssh-ed25519, ssh-rsa, ecdsa-sha2-nistp*).
	// Algorithm 是要生成的 SSH 密钥类型。
	Algorithm string
	// Bits is the key size in bits; only meaningful for RSA.
	// Bits 是密钥大小（以位为单位）；仅对 RSA 有意义。
	Bits int
}

// BitLength returns the size in bits of an SSH public key, or 0 when unknown.
func BitLength(pub ssh.PublicKey) int {
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return 0
	}
	return cryptoBitLength(cpk.CryptoPublicKey())
}

func cryptoBitLength(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

// FormatPublicKey renders pub in authorized_keys form, with an optional comment.
func FormatPublicKey(pub ssh.PublicKey, comment string) string {
	line := string(ssh.MarshalAuthorizedKey(pub))
	line = line[:len(line)-1]
	if comment != "" {
		line += " " + comment
	}
	return line
}
