// Package dto holds the request and response shapes of the application services.
package dto

import (
	"time"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// PairRequest asks the gateway to authorize this workstation as a device of Username.
type PairRequest struct {
	Username   string `json:"username" validate:"required"`
	DeviceName string `json:"device_name" validate:"required,devicename"`
	Hostname   string `json:"hostname" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" validate:"min=1,max=65535"`
	StrictTLS  bool   `json:"strict_tls"`
	// Overwrite replaces an existing device of the same name without probing.
	Overwrite bool `json:"overwrite"`
	// Silent turns a name conflict into an error instead of consulting the resolver.
	Silent bool `json:"silent"`
}

// Endpoint returns the gateway addressed by the request.
func (r *PairRequest) Endpoint() models.GatewayEndpoint {
	return models.GatewayEndpoint{Hostname: r.Hostname, Port: r.Port, StrictTLS: r.StrictTLS}
}

// PairResponse reports a completed pairing or rotation. Token is never serialized.
type PairResponse struct {
	Token        string    `json:"-" yaml:"-"`
	Username     string    `json:"username" yaml:"username"`
	DeviceName   string    `json:"device_name" yaml:"device_name"`
	Hostname     string    `json:"hostname" yaml:"hostname"`
	Port         int       `json:"port" yaml:"port"`
	PublicKey    string    `json:"public_key" yaml:"public_key"`
	AuthorizedAt time.Time `json:"authorized_at" yaml:"authorized_at"`
}

// NewPairResponse projects a freshly stored identity.
func NewPairResponse(identity *models.DeviceIdentity) *PairResponse {
	return &PairResponse{
		Username:     identity.Username,
		DeviceName:   identity.DeviceName,
		Hostname:     identity.Endpoint.Hostname,
		Port:         identity.Endpoint.Port,
		PublicKey:    identity.PublicKey,
		AuthorizedAt: identity.AuthorizedAt,
	}
}

// CheckResponse is the outcome of a token check.
type CheckResponse struct {
	Valid   bool   `json:"valid" yaml:"valid"`
	Online  bool   `json:"online" yaml:"online"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}
