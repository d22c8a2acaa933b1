package models

import (
	"sync"
	"time"

	"github.com/turtacn/keyagent/pkg/errors"
)

// KeyConstraints is the usage policy attached to a KeyRecord.
// All accessors are safe for concurrent use; TryUse performs the canUse/hasTimedOut
// check and the use bookkeeping under one lock.
// KeyConstraints 是附加到 KeyRecord 的使用策略。
// 所有访问方法都是并发安全的；TryUse 在同一把锁下执行检查与使用记录。
type KeyConstraints struct {
	mu sync.Mutex

	// MaxUses bounds the number of signatures; 0 means unlimited.
	// MaxUses 限制签名次数；0 表示无限制。
	maxUses int64
	uses    int64

	// Lifetime is an absolute timeout measured from CreatedAt; 0 disables it.
	// Lifetime 是从 CreatedAt 开始计算的绝对超时；0 表示禁用。
	lifetime time.Duration
	// IdleTimeout expires the key when unused for this long; 0 disables it.
	// IdleTimeout 在密钥闲置超过该时长时使其过期；0 表示禁用。
	idleTimeout time.Duration

	createdAt  time.Time
	lastUsedAt time.Time

	requireUserVerification bool
	requireOnline           bool
}

// ConstraintOptions configures a new KeyConstraints.
type ConstraintOptions struct {
	MaxUses                 int64
	Lifetime                time.Duration
	IdleTimeout             time.Duration
	RequireUserVerification bool
	RequireOnline           bool
}

// NewKeyConstraints creates constraints starting at now.
func NewKeyConstraints(opts ConstraintOptions, now time.Time) *KeyConstraints {
	return &KeyConstraints{
		maxUses:                 opts.MaxUses,
		lifetime:                opts.Lifetime,
		idleTimeout:             opts.IdleTimeout,
		createdAt:               now,
		lastUsedAt:              now,
		requireUserVerification: opts.RequireUserVerification,
		requireOnline:           opts.RequireOnline,
	}
}

// PermissiveConstraints is the default for remote-only keys, which the device polices itself.
func PermissiveConstraints() *KeyConstraints {
	return NewKeyConstraints(ConstraintOptions{}, time.Now())
}

// CanUse reports whether another use is permitted by the use counter.
func (c *KeyConstraints) CanUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canUseLocked()
}

// HasTimedOut reports whether the lifetime or idle window has elapsed at now.
func (c *KeyConstraints) HasTimedOut(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasTimedOutLocked(now)
}

// Use records a use without checking.
func (c *KeyConstraints) Use(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useLocked(now)
}

// TryUse checks canUse and hasTimedOut and records the use atomically.
// The fingerprint only labels the returned error.
func (c *KeyConstraints) TryUse(fingerprint string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canUseLocked() {
		return errors.ErrKeyCannotBeUsed(fingerprint)
	}
	if c.hasTimedOutLocked(now) {
		return errors.ErrKeyTimedOut(fingerprint)
	}
	c.useLocked(now)
	return nil
}

func (c *KeyConstraints) canUseLocked() bool {
	return c.maxUses <= 0 || c.uses < c.maxUses
}

func (c *KeyConstraints) hasTimedOutLocked(now time.Time) bool {
	if c.lifetime > 0 && !now.Before(c.createdAt.Add(c.lifetime)) {
		return true
	}
	if c.idleTimeout > 0 && !now.Before(c.lastUsedAt.Add(c.idleTimeout)) {
		return true
	}
	return false
}

func (c *KeyConstraints) useLocked(now time.Time) {
	c.uses++
	c.lastUsedAt = now
}

// Uses returns the number of recorded uses.
func (c *KeyConstraints) Uses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uses
}

// MaxUses returns the configured use limit, 0 meaning unlimited.
func (c *KeyConstraints) MaxUses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxUses
}

// ExpiresAt returns the absolute expiry, if a lifetime is set.
func (c *KeyConstraints) ExpiresAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifetime <= 0 {
		return time.Time{}, false
	}
	return c.createdAt.Add(c.lifetime), true
}

// RequiresUserVerification reports whether the caller must verify the user before signing.
func (c *KeyConstraints) RequiresUserVerification() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireUserVerification
}

// RequiresOnline reports whether the key may only sign while the gateway is reachable.
func (c *KeyConstraints) RequiresOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireOnline
}

// IsTemporary reports whether the key disappears on its own.
func (c *KeyConstraints) IsTemporary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifetime > 0 || c.maxUses > 0
}
