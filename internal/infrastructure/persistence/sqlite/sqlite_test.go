package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/securestore"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

func newIdentity(t *testing.T) *models.DeviceIdentity {
	t.Helper()
	material, err := crypto.GenerateDeviceKey()
	require.NoError(t, err)
	pemBytes, err := crypto.EncodePrivateKey(material.PrivateKey, "", nil)
	require.NoError(t, err)
	return &models.DeviceIdentity{
		Username:      "alice",
		DeviceName:    "laptop",
		Endpoint:      models.GatewayEndpoint{Hostname: "gateway.example", Port: 443, StrictTLS: true},
		Token:         "token-1",
		PrivateKeyPEM: pemBytes,
		PublicKey:     models.FormatPublicKey(material.PublicKey(), constants.DeviceKeyComment),
		Signer:        material.Signer,
		AuthorizedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

type StoreSuite struct {
	suite.Suite
	conn *DBConnection
	ctx  context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	conn, err := NewDBConnection(s.ctx, MemoryDSN, logger.NewNoopLogger())
	s.Require().NoError(err)
	s.conn = conn
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.conn.Close())
}

func (s *StoreSuite) TestDeviceState_SaveLoadClear() {
	repo := NewDeviceStateRepository(s.conn.DB(), nil, logger.NewNoopLogger())

	loaded, err := repo.Load(s.ctx)
	s.Require().NoError(err)
	s.Nil(loaded)

	identity := newIdentity(s.T())
	s.Require().NoError(repo.Save(s.ctx, identity))

	loaded, err = repo.Load(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(loaded)
	s.Equal("token-1", loaded.Token)
	s.Equal(identity.Endpoint, loaded.Endpoint)
	s.Equal(identity.Signer.PublicKey().Marshal(), loaded.Signer.PublicKey().Marshal())
	s.True(loaded.IsAuthorized())

	identity.Token = "token-2"
	s.Require().NoError(repo.Save(s.ctx, identity))
	loaded, err = repo.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal("token-2", loaded.Token)

	s.Require().NoError(repo.Clear(s.ctx))
	loaded, err = repo.Load(s.ctx)
	s.Require().NoError(err)
	s.Nil(loaded)
}

func (s *StoreSuite) TestDeviceState_Encrypted() {
	repo := NewDeviceStateRepository(s.conn.DB(), securestore.NewSealer("secret"), logger.NewNoopLogger())
	s.Require().NoError(repo.Save(s.ctx, newIdentity(s.T())))

	var row deviceStateRow
	s.Require().NoError(s.conn.DB().First(&row, deviceStateID).Error)
	s.True(securestore.IsSealed(row.Token))
	s.True(securestore.IsSealed(row.PrivateKey))

	loaded, err := repo.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal("token-1", loaded.Token)

	wrong := NewDeviceStateRepository(s.conn.DB(), securestore.NewSealer("other"), logger.NewNoopLogger())
	_, err = wrong.Load(s.ctx)
	s.Error(err)
}

func (s *StoreSuite) TestDeviceState_RejectsIncomplete() {
	repo := NewDeviceStateRepository(s.conn.DB(), nil, logger.NewNoopLogger())
	err := repo.Save(s.ctx, &models.DeviceIdentity{Username: "alice"})
	s.True(errors.HasCode(err, constants.ErrCodeInvalidRequest))
}

func (s *StoreSuite) TestConnections() {
	repo := NewConnectionRepository(s.conn.DB())
	s.Require().NoError(repo.Save(s.ctx, &models.Connection{
		Name: "prod", Hostname: "prod.example.com", Port: 22, Username: "deploy", Aliases: "p, production",
	}))
	s.Require().NoError(repo.Save(s.ctx, &models.Connection{
		Name: "dev", Hostname: "10.0.0.5", Port: 2222, Username: "me",
	}))

	err := repo.Save(s.ctx, &models.Connection{Name: "bad", Port: 22})
	s.True(errors.HasCode(err, constants.ErrCodeInvalidRequest))

	all, err := repo.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal("dev", all[0].Name)

	found, err := repo.Find(s.ctx, "production")
	s.Require().NoError(err)
	s.Equal("prod", found.Name)

	s.Require().NoError(repo.Delete(s.ctx, "prod"))
	_, err = repo.Get(s.ctx, "prod")
	s.True(errors.HasCode(err, constants.ErrCodeNotFound))
	s.True(errors.HasCode(repo.Delete(s.ctx, "prod"), constants.ErrCodeNotFound))
}

func (s *StoreSuite) TestKeyLifecycle() {
	repo := NewKeyLifecycleRepository(s.conn.DB())
	for i, eventType := range []constants.KeyEventType{constants.KeyEventAdded, constants.KeyEventRotated} {
		event := models.NewKeyEvent(eventType, "alice")
		event.OccurredAt = time.Unix(int64(1700000000+i), 0).UTC()
		s.Require().NoError(repo.Record(s.ctx, models.NewKeyLifecycleEntry(event, "success")))
	}
	s.Require().NoError(repo.Record(s.ctx, models.NewKeyLifecycleEntry(models.NewKeyEvent(constants.KeyEventAdded, "bob"), "success")))

	entries, err := repo.ListRecent(s.ctx, "alice", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(string(constants.KeyEventRotated), entries[0].EventType)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func TestNewDBConnection_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agent.db")
	conn, err := NewDBConnection(context.Background(), path, logger.NewNoopLogger())
	require.NoError(t, err)
	defer conn.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(constants.PrivateFileMode), info.Mode().Perm())
	require.NoError(t, conn.Ping(context.Background()))
}
