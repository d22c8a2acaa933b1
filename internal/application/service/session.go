package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// Session is the account context shared by the pairing protocol and the device key store.
// It owns the device identity and the gateway client bound to its endpoint. Every token
// mutation runs under mu; readers take the read lock.
// Session 是配对协议与设备密钥存储共享的账户上下文。所有令牌变更都在 mu 保护的临界区内执行。
type Session struct {
	mu       sync.RWMutex
	identity *models.DeviceIdentity
	client   service.GatewayClient

	repo   repository.DeviceStateRepository
	dialer service.GatewayDialer
	logger logger.Logger

	online atomic.Bool
}

// NewSession creates an unpaired session. Call Load to restore persisted state.
func NewSession(repo repository.DeviceStateRepository, dialer service.GatewayDialer, log logger.Logger) *Session {
	return &Session{
		repo:   repo,
		dialer: dialer,
		logger: log.WithComponent("Session"),
	}
}

// Load restores the identity from the device state repository.
func (s *Session) Load(ctx context.Context) error {
	identity, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !identity.IsAuthorized() {
		s.identity, s.client = nil, nil
		return nil
	}
	client, err := s.dialer.Dial(identity.Endpoint)
	if err != nil {
		return err
	}
	s.identity, s.client = identity, client
	s.logger.Info(ctx, "Device identity restored",
		logger.String("username", identity.Username),
		logger.String("device_name", identity.DeviceName),
	)
	return nil
}

// Reload picks up a pairing change made by another process through the shared
// repository. It reports whether the installed identity changed.
func (s *Session) Reload(ctx context.Context) (bool, error) {
	identity, err := s.repo.Load(ctx)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if s.identity != nil {
		current = s.identity.Token
	}
	if !identity.IsAuthorized() {
		if s.identity == nil {
			return false, nil
		}
		s.identity, s.client = nil, nil
		s.online.Store(false)
		s.logger.Info(ctx, "Device identity removed by another process")
		return true, nil
	}
	if identity.Token == current {
		return false, nil
	}
	client, err := s.dialer.Dial(identity.Endpoint)
	if err != nil {
		return false, err
	}
	s.identity, s.client = identity, client
	s.logger.Info(ctx, "Device identity reloaded",
		logger.String("username", identity.Username),
		logger.String("device_name", identity.DeviceName),
	)
	return true, nil
}

// Identity returns a copy of the current identity, or nil when the device is not paired.
func (s *Session) Identity() *models.DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Clone()
}

// Status summarizes the identity without secrets.
func (s *Session) Status() models.DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Status()
}

// IsAuthorized reports whether the session holds a usable token.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.IsAuthorized()
}

// Client returns the gateway client and the account it is bound to.
func (s *Session) Client() (service.GatewayClient, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.identity.IsAuthorized() {
		return nil, "", errors.ErrDeviceNotAuthorized("device is not paired")
	}
	return s.client, s.identity.Username, nil
}

// View runs fn with the identity and client under the read lock, so no mutation
// can replace the token while fn signs with it.
func (s *Session) View(fn func(identity *models.DeviceIdentity, client service.GatewayClient) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.identity.IsAuthorized() {
		return errors.ErrDeviceNotAuthorized("device is not paired")
	}
	return fn(s.identity, s.client)
}

// IsOnline reports the result of the latest gateway probe.
func (s *Session) IsOnline() bool {
	return s.online.Load()
}

// setOnline records a probe result and reports whether it changed.
func (s *Session) setOnline(v bool) bool {
	return s.online.Swap(v) != v
}

// commitLocked persists identity and installs it. Callers hold mu.
func (s *Session) commitLocked(ctx context.Context, identity *models.DeviceIdentity, client service.GatewayClient) error {
	if err := s.repo.Save(ctx, identity); err != nil {
		return err
	}
	s.identity, s.client = identity, client
	return nil
}

// resetLocked clears the persisted identity in one step. Callers hold mu.
func (s *Session) resetLocked(ctx context.Context) error {
	if err := s.repo.Clear(ctx); err != nil {
		return err
	}
	s.identity, s.client = nil, nil
	s.online.Store(false)
	return nil
}
