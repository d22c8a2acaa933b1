package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
)

// MockGatewayClient is a mock implementation of service.GatewayClient
type MockGatewayClient struct {
	mock.Mock
}

func (m *MockGatewayClient) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockGatewayClient) VerifyDeviceName(ctx context.Context, deviceName, authorization string) (bool, error) {
	args := m.Called(ctx, deviceName, authorization)
	return args.Bool(0), args.Error(1)
}

func (m *MockGatewayClient) Authorize(ctx context.Context, req service.AuthorizeRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGatewayClient) SystemKey(ctx context.Context, username string) (ssh.PublicKey, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ssh.PublicKey), args.Error(1)
}

func (m *MockGatewayClient) Check(ctx context.Context, envelope models.SignedEnvelope) (bool, error) {
	args := m.Called(ctx, envelope)
	return args.Bool(0), args.Error(1)
}

func (m *MockGatewayClient) Deauthorize(ctx context.Context, envelope models.SignedEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *MockGatewayClient) DeviceKeys(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *MockGatewayClient) SignPayload(ctx context.Context, req service.SignRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockGatewayClient) ImportKey(ctx context.Context, envelope models.SignedEnvelope, req service.ImportKeyRequest) error {
	args := m.Called(ctx, envelope, req)
	return args.Error(0)
}

// StaticDialer always returns the same client.
type StaticDialer struct {
	Client service.GatewayClient
	Err    error
}

func (d *StaticDialer) Dial(models.GatewayEndpoint) (service.GatewayClient, error) {
	return d.Client, d.Err
}

var _ service.GatewayClient = (*MockGatewayClient)(nil)
var _ service.GatewayDialer = (*StaticDialer)(nil)
