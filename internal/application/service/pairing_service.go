package service

import (
	"context"
	"time"

	"github.com/turtacn/keyagent/internal/application/dto"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

// maxConflictRounds bounds how often a resolver may rename before pairing gives up.
const maxConflictRounds = 5

// PairingService defines the device pairing and token rotation protocol.
// PairingService 定义设备配对与令牌轮换协议。
type PairingService interface {
	// Pair authorizes this workstation as a device of req.Username.
	// Pair 将本工作站授权为 req.Username 的设备。
	Pair(ctx context.Context, req *dto.PairRequest, resolver ConflictResolver) (*dto.PairResponse, error)
	// Rotate replaces the device key and extends the token chain.
	// Rotate 替换设备密钥并延续令牌链。
	Rotate(ctx context.Context) (*dto.PairResponse, error)
	// Check asks the gateway whether the current token is still accepted.
	// Check 询问网关当前令牌是否仍被接受。
	Check(ctx context.Context) (bool, error)
	// Deauthorize revokes the token and forgets the identity.
	// Deauthorize 撤销令牌并清除身份。
	Deauthorize(ctx context.Context) error
}

type pairingServiceImpl struct {
	session *Session
	keys    service.KeyCrypto
	cache   service.DeviceKeyCache
	bus     *EventBus
	metrics service.Metrics
	logger  logger.Logger
	now     func() time.Time
}

// NewPairingService creates a PairingService bound to session. cache may be nil.
func NewPairingService(
	session *Session,
	keys service.KeyCrypto,
	cache service.DeviceKeyCache,
	bus *EventBus,
	metrics service.Metrics,
	log logger.Logger,
) PairingService {
	return &pairingServiceImpl{
		session: session,
		keys:    keys,
		cache:   cache,
		bus:     bus,
		metrics: metrics,
		logger:  log.WithComponent("PairingService"),
		now:     time.Now,
	}
}

// Pair runs the first authorization of a device.
func (s *pairingServiceImpl) Pair(ctx context.Context, req *dto.PairRequest, resolver ConflictResolver) (resp *dto.PairResponse, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordPairing("pair", err == nil, time.Since(start), errorCode(err)) }()

	// 1. Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	ctx = logger.WithAccount(ctx, req.Username)

	// 2. Enter the account critical section
	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	// 3. Bind a client to the requested gateway
	endpoint := req.Endpoint()
	client, err := s.session.dialer.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	previous := s.previousTokenLocked(req.Username, endpoint)

	// 4. Resolve the device name
	deviceName, overwrite, err := s.resolveName(ctx, client, req, previous, resolver)
	if err != nil {
		return nil, err
	}

	// 5. Obtain and verify a token for a fresh device key
	identity, err := s.authorize(ctx, client, authorization{
		username:   req.Username,
		deviceName: deviceName,
		endpoint:   endpoint,
		previous:   previous,
		overwrite:  overwrite,
	})
	if err != nil {
		return nil, err
	}

	// 6. Persist the identity
	if err := s.session.commitLocked(ctx, identity, client); err != nil {
		s.logger.Error(ctx, "Failed to persist device identity", err)
		return nil, err
	}
	s.invalidateDeviceKeys(ctx, req.Username)

	s.logger.Info(ctx, "Device paired",
		logger.String("device_name", deviceName),
		logger.String("hostname", endpoint.Hostname),
	)
	event := models.NewKeyEvent(constants.KeyEventDevicePaired, req.Username)
	event.Name = deviceName
	s.bus.Publish(ctx, event)

	return newPairResponse(identity), nil
}

// Rotate replaces the device key pair. The request carries an envelope signed by the
// current key, so only the holder of the previous key can extend the chain.
func (s *pairingServiceImpl) Rotate(ctx context.Context) (resp *dto.PairResponse, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordPairing("rotate", err == nil, time.Since(start), errorCode(err)) }()

	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	current := s.session.identity
	if !current.IsAuthorized() {
		return nil, errors.ErrDeviceNotAuthorized("device is not paired")
	}
	ctx = logger.WithAccount(ctx, current.Username)

	envelope, err := signEnvelope(current, s.now())
	if err != nil {
		return nil, err
	}

	identity, err := s.authorize(ctx, s.session.client, authorization{
		username:   current.Username,
		deviceName: current.DeviceName,
		endpoint:   current.Endpoint,
		previous:   current.Token,
		overwrite:  true,
		envelope:   &envelope,
	})
	if err != nil {
		return nil, err
	}

	if err := s.session.commitLocked(ctx, identity, s.session.client); err != nil {
		s.logger.Error(ctx, "Failed to persist rotated device identity", err)
		return nil, err
	}

	s.logger.Info(ctx, "Device token rotated", logger.String("device_name", identity.DeviceName))
	event := models.NewKeyEvent(constants.KeyEventDeviceRotated, identity.Username)
	event.Name = identity.DeviceName
	s.bus.Publish(ctx, event)

	return newPairResponse(identity), nil
}

// Check does not mutate the session.
func (s *pairingServiceImpl) Check(ctx context.Context) (valid bool, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordPairing("check", err == nil, time.Since(start), errorCode(err)) }()

	err = s.session.View(func(identity *models.DeviceIdentity, client service.GatewayClient) error {
		envelope, err := signEnvelope(identity, s.now())
		if err != nil {
			return err
		}
		valid, err = client.Check(logger.WithAccount(ctx, identity.Username), envelope)
		return err
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// Deauthorize revokes the token at the gateway, then clears the token, the device key
// pair and the cached device keys together.
func (s *pairingServiceImpl) Deauthorize(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordPairing("deauthorize", err == nil, time.Since(start), errorCode(err)) }()

	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	current := s.session.identity
	if !current.IsAuthorized() {
		return errors.ErrDeviceNotAuthorized("device is not paired")
	}
	ctx = logger.WithAccount(ctx, current.Username)

	envelope, err := signEnvelope(current, s.now())
	if err != nil {
		return err
	}
	if err := s.session.client.Deauthorize(ctx, envelope); err != nil {
		s.logger.Warn(ctx, "Gateway refused deauthorization", logger.Error(err))
		return err
	}

	if err := s.session.resetLocked(ctx); err != nil {
		s.logger.Error(ctx, "Failed to clear device identity", err)
		return err
	}
	s.invalidateDeviceKeys(ctx, current.Username)

	s.logger.Info(ctx, "Device deauthorized", logger.String("device_name", current.DeviceName))
	event := models.NewKeyEvent(constants.KeyEventDeauthorized, current.Username)
	event.Name = current.DeviceName
	s.bus.Publish(ctx, event)
	return nil
}

type authorization struct {
	username   string
	deviceName string
	endpoint   models.GatewayEndpoint
	previous   string
	overwrite  bool
	envelope   *models.SignedEnvelope
}

// authorize generates a device key, submits the signed payload and verifies the issued
// token against the account's system key. Nothing is returned unless verification passes.
func (s *pairingServiceImpl) authorize(ctx context.Context, client service.GatewayClient, a authorization) (*models.DeviceIdentity, error) {
	material, err := s.keys.Generate(crypto.DeviceKeySpec)
	if err != nil {
		return nil, err
	}
	publicKey := models.FormatPublicKey(material.PublicKey(), constants.DeviceKeyComment)

	payload := models.PairingPayload{
		DeviceName:    a.deviceName,
		Username:      a.username,
		PublicKey:     publicKey,
		PreviousToken: a.previous,
	}
	signature, err := crypto.SignToken(material.Signer, payload.Bytes())
	if err != nil {
		return nil, err
	}

	token, err := client.Authorize(ctx, service.AuthorizeRequest{
		PreviousToken: a.previous,
		Token:         signature,
		DeviceName:    a.deviceName,
		Username:      a.username,
		Overwrite:     a.overwrite,
		PublicKey:     publicKey,
		Envelope:      a.envelope,
	})
	if err != nil {
		return nil, err
	}

	systemKey, err := client.SystemKey(ctx, a.username)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyToken(systemKey, token, payload.Bytes()); err != nil {
		s.logger.Warn(ctx, "Discarding token with invalid signature", logger.String("device_name", a.deviceName))
		return nil, err
	}

	pemBytes, err := s.keys.EncodePrivateKey(material, constants.DeviceKeyComment, nil)
	if err != nil {
		return nil, err
	}
	return &models.DeviceIdentity{
		Username:      a.username,
		DeviceName:    a.deviceName,
		Endpoint:      a.endpoint,
		Token:         token,
		PrivateKeyPEM: pemBytes,
		PublicKey:     publicKey,
		Signer:        material.Signer,
		AuthorizedAt:  s.now().UTC(),
	}, nil
}

// resolveName probes the gateway until the device name is free or the resolver gives up.
func (s *pairingServiceImpl) resolveName(ctx context.Context, client service.GatewayClient, req *dto.PairRequest, previous string, resolver ConflictResolver) (string, bool, error) {
	deviceName := req.DeviceName
	if req.Overwrite {
		return deviceName, true, nil
	}
	for round := 0; round < maxConflictRounds; round++ {
		available, err := client.VerifyDeviceName(ctx, deviceName, previous)
		if err != nil {
			return "", false, err
		}
		if available {
			return deviceName, false, nil
		}

		conflict := Conflict{Username: req.Username, DeviceName: deviceName, Endpoint: req.Endpoint()}
		if req.Silent || resolver == nil {
			return "", false, errors.ErrDeviceNameConflict(deviceName)
		}
		decision, err := resolver(ctx, conflict)
		if err != nil {
			return "", false, err
		}
		switch decision.Action {
		case ConflictOverwrite:
			return deviceName, true, nil
		case ConflictRename:
			if !utils.ValidateNotEmpty(decision.NewName) {
				return "", false, errors.ErrInvalidRequest("new device name is required")
			}
			renamed := *req
			renamed.DeviceName = decision.NewName
			if err := utils.ValidateStruct(&renamed); err != nil {
				return "", false, err
			}
			deviceName = decision.NewName
		default:
			return "", false, errors.ErrDeviceNameConflict(deviceName)
		}
	}
	return "", false, errors.ErrDeviceNameConflict(deviceName)
}

// previousTokenLocked chains a re-pairing to the stored token when it belongs to the
// same account on the same gateway.
func (s *pairingServiceImpl) previousTokenLocked(username string, endpoint models.GatewayEndpoint) string {
	current := s.session.identity
	if !current.IsAuthorized() {
		return ""
	}
	if current.Username != username || current.Endpoint.Hostname != endpoint.Hostname || current.Endpoint.Port != endpoint.Port {
		return ""
	}
	return current.Token
}

func (s *pairingServiceImpl) invalidateDeviceKeys(ctx context.Context, username string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, username); err != nil {
		s.logger.Warn(ctx, "Failed to drop cached device keys", logger.Error(err))
	}
}

// signEnvelope stamps and signs a per-request envelope with the device key.
func signEnvelope(identity *models.DeviceIdentity, now time.Time) (models.SignedEnvelope, error) {
	envelope := models.NewAuthorizationEnvelope(identity, now)
	signature, err := crypto.SignToken(identity.Signer, envelope.Bytes())
	if err != nil {
		return models.SignedEnvelope{}, err
	}
	return models.SignedEnvelope{AuthorizationEnvelope: envelope, Signature: signature}, nil
}

func newPairResponse(identity *models.DeviceIdentity) *dto.PairResponse {
	resp := dto.NewPairResponse(identity)
	resp.Token = identity.Token
	return resp
}

// errorCode labels err for metrics.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if agentErr, ok := errors.AsAgentError(err); ok {
		return string(agentErr.Code())
	}
	return string(constants.ErrCodeInternal)
}
