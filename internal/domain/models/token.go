package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/keyagent/pkg/constants"
)

// PairingPayload is the value signed by a new device key when requesting a token.
// Including PreviousToken chains every token to its predecessor.
type PairingPayload struct {
	DeviceName    string
	Username      string
	PublicKey     string
	PreviousToken string
}

// Bytes renders deviceName|username|publicKey|previousToken.
func (p PairingPayload) Bytes() []byte {
	return []byte(strings.Join([]string{p.DeviceName, p.Username, p.PublicKey, p.PreviousToken}, constants.PayloadSeparator))
}

// AuthorizationEnvelope proves possession of the device key for a single request.
// It is recomputed per request and never persisted.
type AuthorizationEnvelope struct {
	Version   string
	Timestamp int64
	Token     string
	Principal string
}

// NewAuthorizationEnvelope stamps an envelope for the identity at now.
func NewAuthorizationEnvelope(identity *DeviceIdentity, now time.Time) AuthorizationEnvelope {
	return AuthorizationEnvelope{
		Version:   constants.ProtocolVersion,
		Timestamp: now.UnixMilli(),
		Token:     identity.Token,
		Principal: identity.Username,
	}
}

// Bytes renders version|timestamp|token|principal.
func (e AuthorizationEnvelope) Bytes() []byte {
	return []byte(strings.Join([]string{e.Version, strconv.FormatInt(e.Timestamp, 10), e.Token, e.Principal}, constants.PayloadSeparator))
}

// SignedEnvelope is an envelope plus its base64url signature, ready to be sent as form fields.
type SignedEnvelope struct {
	AuthorizationEnvelope
	Signature string
}
