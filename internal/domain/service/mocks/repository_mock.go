package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
)

// MockDeviceStateRepository is a mock implementation of repository.DeviceStateRepository
type MockDeviceStateRepository struct {
	mock.Mock
}

func (m *MockDeviceStateRepository) Load(ctx context.Context) (*models.DeviceIdentity, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DeviceIdentity), args.Error(1)
}

func (m *MockDeviceStateRepository) Save(ctx context.Context, identity *models.DeviceIdentity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

func (m *MockDeviceStateRepository) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ repository.DeviceStateRepository = (*MockDeviceStateRepository)(nil)
