package service

import (
	"context"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// TeamSyncService drives the key-policy synchronization protocol for one account.
// Every call is signed by a local key the key-management domain already trusts.
// TeamSyncService 为单个账户驱动密钥策略同步协议。
type TeamSyncService struct {
	client      service.KeyManagementClient
	local       LocalStore
	bus         *EventBus
	concurrency int
	logger      logger.Logger
}

// NewTeamSyncService creates the service. concurrency bounds parallel access probes.
func NewTeamSyncService(client service.KeyManagementClient, local LocalStore, bus *EventBus, concurrency int, log logger.Logger) *TeamSyncService {
	if concurrency <= 0 {
		concurrency = constants.DefaultProbeConcurrency
	}
	return &TeamSyncService{
		client:      client,
		local:       local,
		bus:         bus,
		concurrency: concurrency,
		logger:      log.WithComponent("TeamSyncService"),
	}
}

// VerifyAccess probes the domain with every local key and marks the ones it accepts
// as team keys. Probe failures only clear the flag; the confirmed keys are returned.
func (s *TeamSyncService) VerifyAccess(ctx context.Context, account string) ([]*models.KeyRecord, error) {
	ctx = logger.WithAccount(ctx, account)
	records := s.local.List()
	confirmed := make([]bool, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, record := range records {
		i, record := i, record
		g.Go(func() error {
			_, err := s.client.Policy(gctx, account, record)
			if err != nil {
				s.logger.Debug(gctx, "Key not accepted by key-management domain",
					logger.String("fingerprint", record.Fingerprint()), logger.Error(err))
			}
			confirmed[i] = err == nil
			record.SetTeamKey(err == nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*models.KeyRecord
	for i, ok := range confirmed {
		if ok {
			out = append(out, records[i])
		}
	}
	s.logger.Info(ctx, "Verified key-management access", logger.Int("probed", len(records)), logger.Int("confirmed", len(out)))
	return out, nil
}

// GetPolicy fetches the account policy. Policies are never cached.
func (s *TeamSyncService) GetPolicy(ctx context.Context, account string) (*models.KeyPolicy, error) {
	signer, err := s.confirmedKey(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.client.Policy(logger.WithAccount(ctx, account), account, signer)
}

// GetAuthorizedKeys lists the keys registered for the account.
func (s *TeamSyncService) GetAuthorizedKeys(ctx context.Context, account string) ([]models.AuthorizedKey, error) {
	signer, err := s.confirmedKey(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.client.AuthorizedKeys(logger.WithAccount(ctx, account), account, signer)
}

// AddKey registers pub under name. A local record of pub becomes a team key only on success.
func (s *TeamSyncService) AddKey(ctx context.Context, account, name string, pub ssh.PublicKey) error {
	ctx = logger.WithAccount(ctx, account)
	signer, err := s.confirmedKey(ctx, account)
	if err != nil {
		return err
	}
	if err := s.client.AddKey(ctx, account, signer, name, pub); err != nil {
		s.logger.Warn(ctx, "Key-management domain refused key", logger.String("fingerprint", ssh.FingerprintSHA256(pub)), logger.Error(err))
		return err
	}
	if record, _, ok := s.local.Get(pub); ok {
		record.SetTeamKey(true)
	}
	s.logger.Info(ctx, "Key registered with key-management domain", logger.String("fingerprint", ssh.FingerprintSHA256(pub)), logger.String("name", name))
	return nil
}

// RemoveKey unregisters pub.
func (s *TeamSyncService) RemoveKey(ctx context.Context, account, name string, pub ssh.PublicKey) error {
	ctx = logger.WithAccount(ctx, account)
	signer, err := s.confirmedKey(ctx, account)
	if err != nil {
		return err
	}
	if err := s.client.RemoveKey(ctx, account, signer, name, pub); err != nil {
		return err
	}
	if record, _, ok := s.local.Get(pub); ok {
		record.SetTeamKey(false)
	}
	s.logger.Info(ctx, "Key removed from key-management domain", logger.String("fingerprint", ssh.FingerprintSHA256(pub)), logger.String("name", name))
	event := models.NewKeyEvent(constants.KeyEventChanged, account)
	event.Fingerprint = ssh.FingerprintSHA256(pub)
	event.Name = name
	event.Message = "removed from key-management domain"
	s.bus.Publish(ctx, event)
	return nil
}

// confirmedKey picks a local team key, probing the local keys when none is confirmed yet.
func (s *TeamSyncService) confirmedKey(ctx context.Context, account string) (*models.KeyRecord, error) {
	if signer := firstTeamKey(s.local.List()); signer != nil {
		return signer, nil
	}
	confirmed, err := s.VerifyAccess(ctx, account)
	if err != nil {
		return nil, err
	}
	if signer := firstTeamKey(confirmed); signer != nil {
		return signer, nil
	}
	return nil, errors.ErrSyncFailed("authorize", "no local key is trusted by the key-management domain")
}

func firstTeamKey(records []*models.KeyRecord) *models.KeyRecord {
	for _, r := range records {
		if r.IsTeamKey() {
			return r
		}
	}
	return nil
}
