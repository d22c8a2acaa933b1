package models

import (
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/pkg/utils"
)

// KeyPolicy is the remote-defined rule set for an account. It is fetched fresh for
// every policy evaluation and never cached.
type KeyPolicy struct {
	EnforcePolicy  bool     `json:"enforcePolicy"`
	ValidForDays   int      `json:"validForDays"`
	MinimumKeySize int      `json:"minimumRSA"`
	RequiredTypes  []string `json:"requiredTypes"`
}

// RequiredKeyTypes resolves RequiredTypes against the catalogue, skipping unknown names.
func (p *KeyPolicy) RequiredKeyTypes() ([]PublicKeyType, []string) {
	var types []PublicKeyType
	var unknown []string
	for _, name := range p.RequiredTypes {
		t, err := ParseKeyType(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		types = append(types, t)
	}
	return types, unknown
}

// AuthorizedKey is one entry of an authorized_keys listing.
type AuthorizedKey struct {
	PublicKey ssh.PublicKey
	Comment   string
}

// ParseAuthorizedKeys parses an authorized_keys document, skipping blank lines and
// "#" comments. Lines that fail to parse are returned in rejected.
func ParseAuthorizedKeys(text string, defaultComment string) (keys []AuthorizedKey, rejected []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			rejected = append(rejected, line)
			continue
		}
		if comment == "" {
			comment = defaultComment
		}
		keys = append(keys, AuthorizedKey{PublicKey: pub, Comment: comment})
	}
	return keys, rejected
}

// Fields splits the comment on ";".
func (k AuthorizedKey) Fields() []string {
	parts := strings.Split(k.Comment, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Name is the first comment field, the name the key was registered under.
func (k AuthorizedKey) Name() string {
	return k.Fields()[0]
}

// Expiry returns the epoch-millis expiry carried in the last comment field, if numeric.
func (k AuthorizedKey) Expiry() (time.Time, bool) {
	fields := k.Fields()
	if len(fields) < 2 {
		return time.Time{}, false
	}
	ms, ok := utils.ParseInt64(fields[len(fields)-1])
	if !ok {
		return time.Time{}, false
	}
	return utils.FromUnixMillis(ms), true
}

// IsExpiring reports whether now is within window of the expiry.
func (k AuthorizedKey) IsExpiring(now time.Time, window time.Duration) bool {
	expiry, ok := k.Expiry()
	if !ok {
		return false
	}
	return !now.Before(expiry.Add(-window))
}

// Fingerprint returns the SHA256 fingerprint of the key.
func (k AuthorizedKey) Fingerprint() string {
	return ssh.FingerprintSHA256(k.PublicKey)
}
