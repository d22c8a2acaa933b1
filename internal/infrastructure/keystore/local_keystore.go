// Package keystore holds the in-memory local key store and the key-file loader.
package keystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
)

type entry struct {
	record      *models.KeyRecord
	constraints *models.KeyConstraints
}

// LocalKeyStore is an in-memory collection of local keys able to sign directly.
// Reads run concurrently; mutations are serialized.
type LocalKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*entry
	now  func() time.Time
}

// NewLocalKeyStore creates an empty store.
func NewLocalKeyStore() *LocalKeyStore {
	return &LocalKeyStore{
		keys: make(map[string]*entry),
		now:  time.Now,
	}
}

var _ service.RequestSigner = (*LocalKeyStore)(nil)

// Add stores record, replacing any record with the same public key.
// A nil constraints value means unconstrained.
func (s *LocalKeyStore) Add(record *models.KeyRecord, constraints *models.KeyConstraints) error {
	if record == nil || record.Signer == nil {
		return errors.ErrInvalidRequest("local keys require a private key")
	}
	if constraints == nil {
		constraints = models.NewKeyConstraints(models.ConstraintOptions{}, s.now())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[record.Fingerprint()] = &entry{record: record, constraints: constraints}
	return nil
}

// Remove deletes the key, reporting whether it was present.
func (s *LocalKeyStore) Remove(pub ssh.PublicKey) (*models.KeyRecord, bool) {
	fp := ssh.FingerprintSHA256(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[fp]
	if !ok {
		return nil, false
	}
	delete(s.keys, fp)
	return e.record, true
}

// RemoveByFile deletes every key loaded from path.
func (s *LocalKeyStore) RemoveByFile(path string) []*models.KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*models.KeyRecord
	for fp, e := range s.keys {
		if e.record.File == path {
			removed = append(removed, e.record)
			delete(s.keys, fp)
		}
	}
	return removed
}

// RemoveAll empties the store and returns the number of keys removed.
func (s *LocalKeyStore) RemoveAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.keys)
	s.keys = make(map[string]*entry)
	return n
}

// Get returns the record and its constraints.
func (s *LocalKeyStore) Get(pub ssh.PublicKey) (*models.KeyRecord, *models.KeyConstraints, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.keys[ssh.FingerprintSHA256(pub)]
	if !ok {
		return nil, nil, false
	}
	return e.record, e.constraints, true
}

// Contains reports whether the key is held locally.
func (s *LocalKeyStore) Contains(pub ssh.PublicKey) bool {
	_, _, ok := s.Get(pub)
	return ok
}

// Constraints returns the constraints of a local key.
func (s *LocalKeyStore) Constraints(pub ssh.PublicKey) (*models.KeyConstraints, bool) {
	_, c, ok := s.Get(pub)
	return c, ok
}

// List returns the records sorted by name, then fingerprint.
func (s *LocalKeyStore) List() []*models.KeyRecord {
	s.mu.RLock()
	records := make([]*models.KeyRecord, 0, len(s.keys))
	for _, e := range s.keys {
		records = append(records, e.record)
	}
	s.mu.RUnlock()
	sortRecords(records)
	return records
}

// Len returns the number of keys.
func (s *LocalKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Sign signs data with a local key. It does not consult constraints.
func (s *LocalKeyStore) Sign(ctx context.Context, pub ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	record, _, ok := s.Get(pub)
	if !ok {
		return nil, errors.ErrKeyNotFound(ssh.FingerprintSHA256(pub))
	}
	sig, err := crypto.Sign(record.Signer, data, flags)
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "local signature failed")
	}
	return sig, nil
}

// SignRequest signs a protocol authorization blob, recording a constrained use first.
func (s *LocalKeyStore) SignRequest(ctx context.Context, pub ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	record, constraints, ok := s.Get(pub)
	if !ok {
		return nil, errors.ErrKeyNotFound(ssh.FingerprintSHA256(pub))
	}
	if err := constraints.TryUse(record.Fingerprint(), s.now()); err != nil {
		return nil, err
	}
	return s.Sign(ctx, pub, data, crypto.DefaultFlags(pub))
}

// ExpireTimedOut removes keys whose constraints have timed out and returns them.
func (s *LocalKeyStore) ExpireTimedOut() []*models.KeyRecord {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*models.KeyRecord
	for fp, e := range s.keys {
		if e.constraints.IsTemporary() && (e.constraints.HasTimedOut(now) || !e.constraints.CanUse()) {
			expired = append(expired, e.record)
			delete(s.keys, fp)
		}
	}
	sortRecords(expired)
	return expired
}

func sortRecords(records []*models.KeyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].Fingerprint() < records[j].Fingerprint()
	})
}
