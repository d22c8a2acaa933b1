package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/pkg/constants"
)

// GatewayEndpoint addresses the pairing gateway.
type GatewayEndpoint struct {
	Hostname string
	Port     int
	// StrictTLS enables certificate and hostname verification.
	StrictTLS bool
}

// BaseURL returns the gateway API root, including the /app prefix and a trailing slash.
func (e GatewayEndpoint) BaseURL() string {
	return fmt.Sprintf("https://%s%s/", net.JoinHostPort(e.Hostname, strconv.Itoa(e.Port)), constants.GatewayPathPrefix)
}

// DeviceIdentity is the persisted state binding this workstation to an account.
// Token is always the verified response of the most recent pairing or rotation; the
// device private key is the only credential able to extend the token chain.
type DeviceIdentity struct {
	Username   string
	DeviceName string
	Endpoint   GatewayEndpoint

	// Token is the current authorization token.
	Token string
	// PrivateKeyPEM is the OpenSSH-encoded device private key.
	PrivateKeyPEM []byte
	// PublicKey is the formatted device public key, as sent to the gateway.
	PublicKey string
	// Signer is derived from PrivateKeyPEM when the identity is loaded.
	Signer ssh.Signer

	AuthorizedAt time.Time
}

// IsAuthorized reports whether the identity holds a token and the key to use it.
func (d *DeviceIdentity) IsAuthorized() bool {
	return d != nil && d.Token != "" && d.Signer != nil && d.Username != ""
}

// Clone returns a copy that can be handed to readers outside the owner's lock.
func (d *DeviceIdentity) Clone() *DeviceIdentity {
	if d == nil {
		return nil
	}
	c := *d
	c.PrivateKeyPEM = append([]byte(nil), d.PrivateKeyPEM...)
	return &c
}

// DeviceStatus is a secret-free summary of the identity.
type DeviceStatus struct {
	Authorized   bool      `json:"authorized" yaml:"authorized"`
	Username     string    `json:"username,omitempty" yaml:"username,omitempty"`
	DeviceName   string    `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	Hostname     string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Port         int       `json:"port,omitempty" yaml:"port,omitempty"`
	StrictTLS    bool      `json:"strict_tls" yaml:"strict_tls"`
	AuthorizedAt time.Time `json:"authorized_at,omitempty" yaml:"authorized_at,omitempty"`
}

// Status summarizes the identity without exposing the token or key.
func (d *DeviceIdentity) Status() DeviceStatus {
	if !d.IsAuthorized() {
		return DeviceStatus{}
	}
	return DeviceStatus{
		Authorized:   true,
		Username:     d.Username,
		DeviceName:   d.DeviceName,
		Hostname:     d.Endpoint.Hostname,
		Port:         d.Endpoint.Port,
		StrictTLS:    d.Endpoint.StrictTLS,
		AuthorizedAt: d.AuthorizedAt,
	}
}
