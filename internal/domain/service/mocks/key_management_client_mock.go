package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
)

// MockKeyManagementClient is a mock implementation of service.KeyManagementClient
type MockKeyManagementClient struct {
	mock.Mock
}

func (m *MockKeyManagementClient) Policy(ctx context.Context, username string, signer *models.KeyRecord) (*models.KeyPolicy, error) {
	args := m.Called(ctx, username, signer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.KeyPolicy), args.Error(1)
}

func (m *MockKeyManagementClient) AuthorizedKeys(ctx context.Context, username string, signer *models.KeyRecord) ([]models.AuthorizedKey, error) {
	args := m.Called(ctx, username, signer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AuthorizedKey), args.Error(1)
}

func (m *MockKeyManagementClient) AddKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	args := m.Called(ctx, username, signer, name, key)
	return args.Error(0)
}

func (m *MockKeyManagementClient) RemoveKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	args := m.Called(ctx, username, signer, name, key)
	return args.Error(0)
}

var _ service.KeyManagementClient = (*MockKeyManagementClient)(nil)
