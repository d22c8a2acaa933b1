package models

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyTypeBitTolerance is the bit-length slack allowed when matching a key against a
// catalogue entry. Some generators produce RSA moduli one bit short of the nominal size.
const KeyTypeBitTolerance = 1

// PublicKeyType is an entry of the key-type catalogue referenced by policy.
type PublicKeyType struct {
	// Name is the policy identifier, e.g. ED25519 or RSA_4096.
	Name string
	// Algorithm is the SSH key type.
	Algorithm string
	Bits      int
	// Aliases are the other names the key-management domain uses for the type,
	// the enum name ("RSAwith4096bits") and the friendly name ("rsa4096").
	Aliases []string
}

const keyAlgoED448 = "ssh-ed448"

var (
	KeyTypeED25519  = PublicKeyType{Name: "ED25519", Algorithm: ssh.KeyAlgoED25519, Bits: 256}
	KeyTypeED448    = PublicKeyType{Name: "ED448", Algorithm: keyAlgoED448, Bits: 448}
	KeyTypeRSA2048  = PublicKeyType{Name: "RSA_2048", Algorithm: ssh.KeyAlgoRSA, Bits: 2048, Aliases: []string{"RSAwith2048bits", "rsa2048"}}
	KeyTypeRSA3072  = PublicKeyType{Name: "RSA_3072", Algorithm: ssh.KeyAlgoRSA, Bits: 3072, Aliases: []string{"RSAwith3072bits", "rsa3072", "RSAwith3192bits", "rsa3192"}}
	KeyTypeRSA4096  = PublicKeyType{Name: "RSA_4096", Algorithm: ssh.KeyAlgoRSA, Bits: 4096, Aliases: []string{"RSAwith4096bits", "rsa4096"}}
	KeyTypeECDSA256 = PublicKeyType{Name: "ECDSA_256", Algorithm: ssh.KeyAlgoECDSA256, Bits: 256, Aliases: []string{"ECDSAwith256bits", "ecdsa256"}}
	KeyTypeECDSA384 = PublicKeyType{Name: "ECDSA_384", Algorithm: ssh.KeyAlgoECDSA384, Bits: 384, Aliases: []string{"ECDSAwith384bits", "ecdsa384"}}
	KeyTypeECDSA521 = PublicKeyType{Name: "ECDSA_521", Algorithm: ssh.KeyAlgoECDSA521, Bits: 521, Aliases: []string{"ECDSAwith521bits", "ecdsa521"}}
)

// KeyTypes is the full catalogue.
var KeyTypes = []PublicKeyType{
	KeyTypeED25519, KeyTypeED448,
	KeyTypeRSA2048, KeyTypeRSA3072, KeyTypeRSA4096,
	KeyTypeECDSA256, KeyTypeECDSA384, KeyTypeECDSA521,
}

// ParseKeyType resolves a policy identifier. It accepts the catalogue names and the
// aliases in any case, with "-" in place of "_" ("rsa-4096", "ecdsa-521").
// "RSAwith3192bits" names the 3072-bit entry.
func ParseKeyType(name string) (PublicKeyType, error) {
	normalized := normalizeKeyTypeName(name)
	for _, t := range KeyTypes {
		if t.Name == normalized {
			return t, nil
		}
		for _, alias := range t.Aliases {
			if normalizeKeyTypeName(alias) == normalized {
				return t, nil
			}
		}
	}
	return PublicKeyType{}, fmt.Errorf("unknown key type %q", name)
}

func normalizeKeyTypeName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
}

// Matches reports whether pub is of this type: same algorithm and a bit length within
// KeyTypeBitTolerance of the nominal size.
func (t PublicKeyType) Matches(pub ssh.PublicKey) bool {
	if pub.Type() != t.Algorithm {
		return false
	}
	return t.matchesBits(BitLength(pub))
}

func (t PublicKeyType) matchesBits(bits int) bool {
	diff := bits - t.Bits
	if diff < 0 {
		diff = -diff
	}
	return diff <= KeyTypeBitTolerance
}

// Generatable reports whether keys of this type can be created locally. golang.org/x/crypto
// has no Ed448 implementation.
func (t PublicKeyType) Generatable() bool {
	return t.Algorithm != keyAlgoED448
}

// Spec returns the generation spec for this type.
func (t PublicKeyType) Spec() KeySpec {
	return KeySpec{Algorithm: t.Algorithm, Bits: t.Bits}
}

func (t PublicKeyType) String() string {
	return t.Name
}
