package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/errors"
)

// fakeGateway is an in-memory pairing gateway that checks every signature the way the
// real one does: the pairing payload against the submitted device key, envelopes against
// the registered device key, and the token chain against the last issued token.
type fakeGateway struct {
	mu sync.Mutex

	system  ssh.Signer
	forger  ssh.Signer
	forge   bool
	devices map[string]ssh.PublicKey
	current string
	issued  []string

	authorizeCalls []service.AuthorizeRequest
	pingErr        error
	pings          int

	deviceKeys      string
	deviceKeysErr   error
	deviceKeysCalls int

	remote       ssh.Signer
	signCalls    int
	signErr      error
	imports      []service.ImportKeyRequest
	deauthErr    error
	deauthorized int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	system, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	forger, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	return &fakeGateway{
		system:  system.Signer,
		forger:  forger.Signer,
		devices: make(map[string]ssh.PublicKey),
	}
}

func (g *fakeGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pings++
	return g.pingErr
}

func (g *fakeGateway) VerifyDeviceName(ctx context.Context, deviceName, authorization string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pingErr != nil {
		return false, g.pingErr
	}
	_, taken := g.devices[deviceName]
	return !taken, nil
}

func (g *fakeGateway) Authorize(ctx context.Context, req service.AuthorizeRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorizeCalls = append(g.authorizeCalls, req)
	if g.pingErr != nil {
		return "", g.pingErr
	}

	if g.current != "" && req.PreviousToken != g.current {
		return "", errors.ErrRequestRejected("authorize", "previous token does not match")
	}
	if _, taken := g.devices[req.DeviceName]; taken && !req.Overwrite {
		return "", errors.ErrRequestRejected("authorize", "device exists")
	}
	if req.Envelope != nil {
		if err := g.verifyEnvelopeLocked(*req.Envelope); err != nil {
			return "", err
		}
	}

	pub, _, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		return "", errors.ErrRequestRejected("authorize", err.Error())
	}
	payload := models.PairingPayload{
		DeviceName:    req.DeviceName,
		Username:      req.Username,
		PublicKey:     req.PublicKey,
		PreviousToken: req.PreviousToken,
	}
	if err := crypto.VerifyToken(pub, req.Token, payload.Bytes()); err != nil {
		return "", errors.ErrRequestRejected("authorize", "proof of possession failed")
	}

	signer := g.system
	if g.forge {
		signer = g.forger
	}
	token, err := crypto.SignToken(signer, payload.Bytes())
	if err != nil {
		return "", err
	}
	if !g.forge {
		// A forged response never reaches the gateway's own records.
		g.current = token
		g.devices[req.DeviceName] = pub
		g.issued = append(g.issued, token)
	}
	return token, nil
}

func (g *fakeGateway) verifyEnvelopeLocked(envelope models.SignedEnvelope) error {
	if envelope.Token != g.current {
		return errors.ErrDeviceNotAuthorized("stale token")
	}
	sig, err := crypto.DecodeSignature(envelope.Signature)
	if err != nil {
		return errors.ErrDeviceNotAuthorized(err.Error())
	}
	for _, pub := range g.devices {
		if pub.Verify(envelope.Bytes(), sig) == nil {
			return nil
		}
	}
	return errors.ErrDeviceNotAuthorized("unknown device key")
}

func (g *fakeGateway) SystemKey(ctx context.Context, username string) (ssh.PublicKey, error) {
	return g.system.PublicKey(), nil
}

func (g *fakeGateway) Check(ctx context.Context, envelope models.SignedEnvelope) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pingErr != nil {
		return false, g.pingErr
	}
	return g.verifyEnvelopeLocked(envelope) == nil, nil
}

func (g *fakeGateway) Deauthorize(ctx context.Context, envelope models.SignedEnvelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deauthErr != nil {
		return g.deauthErr
	}
	if err := g.verifyEnvelopeLocked(envelope); err != nil {
		return err
	}
	g.deauthorized++
	g.current = ""
	g.devices = make(map[string]ssh.PublicKey)
	return nil
}

func (g *fakeGateway) DeviceKeys(ctx context.Context, username string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deviceKeysCalls++
	return g.deviceKeys, g.deviceKeysErr
}

func (g *fakeGateway) SignPayload(ctx context.Context, req service.SignRequest) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signCalls++
	if g.signErr != nil {
		return nil, g.signErr
	}
	if g.remote == nil || ssh.FingerprintSHA256(g.remote.PublicKey()) != req.Fingerprint {
		return nil, errors.ErrRequestRejected("signPayload", "unknown key")
	}
	sig, err := crypto.Sign(g.remote, req.Payload, 0)
	if err != nil {
		return nil, err
	}
	return ssh.Marshal(sig), nil
}

func (g *fakeGateway) ImportKey(ctx context.Context, envelope models.SignedEnvelope, req service.ImportKeyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.verifyEnvelopeLocked(envelope); err != nil {
		return err
	}
	g.imports = append(g.imports, req)
	return nil
}

func (g *fakeGateway) setDeviceKeys(keys ...ssh.PublicKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var lines []string
	lines = append(lines, "# advertised device keys")
	for i, k := range keys {
		lines = append(lines, models.FormatPublicKey(k, fmt.Sprintf("device key %d", i)))
	}
	g.deviceKeys = strings.Join(lines, "\n") + "\n"
}

func (g *fakeGateway) Dial(models.GatewayEndpoint) (service.GatewayClient, error) {
	return g, nil
}

var _ service.GatewayClient = (*fakeGateway)(nil)
var _ service.GatewayDialer = (*fakeGateway)(nil)

// memoryRepo is an all-or-nothing in-memory DeviceStateRepository.
type memoryRepo struct {
	mu       sync.Mutex
	identity *models.DeviceIdentity
	saveErr  error
	saves    int
}

func (r *memoryRepo) Load(ctx context.Context) (*models.DeviceIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity.Clone(), nil
}

func (r *memoryRepo) Save(ctx context.Context, identity *models.DeviceIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	r.identity = identity.Clone()
	return nil
}

func (r *memoryRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = nil
	return nil
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []models.KeyEvent
}

func (s *recordingSink) Publish(ctx context.Context, event models.KeyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, string(e.Type))
	}
	return out
}
