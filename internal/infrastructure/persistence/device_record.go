// Package persistence holds the storage-neutral form of the device identity shared
// by the sqlite and vault backends.
package persistence

import (
	"time"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/securestore"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
)

// DeviceRecord is a serialized DeviceIdentity. Token and PrivateKey are sealed when
// an encryption secret is configured.
type DeviceRecord struct {
	Username     string    `json:"username"`
	DeviceName   string    `json:"device_name"`
	Hostname     string    `json:"hostname"`
	Port         int       `json:"port"`
	StrictTLS    bool      `json:"strict_tls"`
	Token        []byte    `json:"token"`
	PrivateKey   []byte    `json:"private_key"`
	PublicKey    string    `json:"public_key"`
	AuthorizedAt time.Time `json:"authorized_at"`
}

// EncodeDevice converts identity into a record, sealing its secrets.
func EncodeDevice(identity *models.DeviceIdentity, sealer *securestore.Sealer) (*DeviceRecord, error) {
	if !identity.IsAuthorized() || len(identity.PrivateKeyPEM) == 0 {
		return nil, errors.ErrInvalidRequest("device identity is incomplete")
	}
	token, err := sealer.Seal([]byte(identity.Token))
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to seal device token")
	}
	key, err := sealer.Seal(identity.PrivateKeyPEM)
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to seal device key")
	}
	return &DeviceRecord{
		Username:     identity.Username,
		DeviceName:   identity.DeviceName,
		Hostname:     identity.Endpoint.Hostname,
		Port:         identity.Endpoint.Port,
		StrictTLS:    identity.Endpoint.StrictTLS,
		Token:        token,
		PrivateKey:   key,
		PublicKey:    identity.PublicKey,
		AuthorizedAt: identity.AuthorizedAt,
	}, nil
}

// DecodeDevice restores the identity and its signer from a record.
func DecodeDevice(rec *DeviceRecord, sealer *securestore.Sealer) (*models.DeviceIdentity, error) {
	token, err := sealer.Open(rec.Token)
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to open device token")
	}
	key, err := sealer.Open(rec.PrivateKey)
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to open device key")
	}
	material, err := crypto.ParsePrivateKey(key, nil)
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "stored device key is unreadable")
	}
	return &models.DeviceIdentity{
		Username:      rec.Username,
		DeviceName:    rec.DeviceName,
		Endpoint:      models.GatewayEndpoint{Hostname: rec.Hostname, Port: rec.Port, StrictTLS: rec.StrictTLS},
		Token:         string(token),
		PrivateKeyPEM: key,
		PublicKey:     rec.PublicKey,
		Signer:        material.Signer,
		AuthorizedAt:  rec.AuthorizedAt,
	}, nil
}
