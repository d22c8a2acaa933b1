package service

import (
	"context"
	"time"

	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/logger"
)

// LivenessMonitor periodically probes the gateway, checks the device token, refreshes
// the advertised device keys and expires temporary local keys.
type LivenessMonitor struct {
	store    *DeviceKeyStore
	pairing  PairingService
	session  *Session
	interval time.Duration
	refresh  time.Duration
	logger   logger.Logger

	lastRefresh time.Time
	now         func() time.Time
}

// NewLivenessMonitor creates a monitor. Zero durations select the defaults.
func NewLivenessMonitor(session *Session, store *DeviceKeyStore, pairing PairingService, interval, refresh time.Duration, log logger.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = constants.DefaultCheckInterval
	}
	if refresh <= 0 {
		refresh = constants.DefaultDeviceKeyRefresh
	}
	return &LivenessMonitor{
		store:    store,
		pairing:  pairing,
		session:  session,
		interval: interval,
		refresh:  refresh,
		logger:   log.WithComponent("LivenessMonitor"),
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (m *LivenessMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info(ctx, "Liveness monitor started",
		logger.Duration("interval", m.interval),
		logger.Duration("device_key_refresh", m.refresh))
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitoring round.
func (m *LivenessMonitor) Tick(ctx context.Context) {
	m.store.ExpireKeys(ctx)
	if changed, err := m.session.Reload(ctx); err != nil {
		m.logger.Warn(ctx, "Device state reload failed", logger.Error(err))
	} else if changed {
		m.lastRefresh = time.Time{}
	}
	if !m.session.IsAuthorized() {
		return
	}
	if !m.store.Ping(ctx) {
		return
	}

	valid, err := m.pairing.Check(ctx)
	switch {
	case err != nil:
		m.logger.Warn(ctx, "Device token check failed", logger.Error(err))
	case !valid:
		m.logger.Warn(ctx, constants.MsgDeviceNotAllowed)
	}

	if now := m.now(); now.Sub(m.lastRefresh) >= m.refresh {
		if err := m.store.RefreshDeviceKeys(ctx); err != nil {
			m.logger.Warn(ctx, "Device key refresh failed", logger.Error(err))
			return
		}
		m.lastRefresh = now
	}
}
