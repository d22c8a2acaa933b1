package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/logger"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

type mockLifecycleRepo struct {
	mock.Mock
}

func (m *mockLifecycleRepo) Record(ctx context.Context, entry *models.KeyLifecycleEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockLifecycleRepo) ListRecent(ctx context.Context, account string, limit int) ([]*models.KeyLifecycleEntry, error) {
	args := m.Called(ctx, account, limit)
	return args.Get(0).([]*models.KeyLifecycleEntry), args.Error(1)
}

func TestKafkaProducer_Publish(t *testing.T) {
	writer := new(mockWriter)
	producer := newKafkaProducer(writer, logger.NewNoopLogger())
	event := models.NewKeyEvent(constants.KeyEventRotated, "alice")

	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != "alice" {
			return false
		}
		var decoded models.KeyEvent
		return json.Unmarshal(msgs[0].Value, &decoded) == nil && decoded.Type == constants.KeyEventRotated
	})).Return(nil).Once()

	require.NoError(t, producer.Publish(context.Background(), event))
	writer.AssertExpectations(t)
}

func TestKafkaProducer_WriteError(t *testing.T) {
	writer := new(mockWriter)
	producer := newKafkaProducer(writer, logger.NewNoopLogger())
	writer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	writer.On("Close").Return(nil)

	assert.Error(t, producer.Publish(context.Background(), models.NewKeyEvent(constants.KeyEventAdded, "alice")))
	assert.NoError(t, producer.Close())
}

func TestLifecycleSink_Publish(t *testing.T) {
	repo := new(mockLifecycleRepo)
	sink := NewLifecycleSink(repo)
	event := models.NewKeyEvent(constants.KeyEventDeauthorized, "alice")

	repo.On("Record", mock.Anything, mock.MatchedBy(func(e *models.KeyLifecycleEntry) bool {
		return e.ID == event.ID && e.EventType == string(constants.KeyEventDeauthorized) && e.Result == "success"
	})).Return(nil)

	require.NoError(t, sink.Publish(context.Background(), event))
	repo.AssertExpectations(t)
}
