package storagemock

import (
	"context"
	"time"

	"github.com/octoflex/octoflex/pkg/storage"
	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, account string) (types.Settings, int, error) {
	args := m.Called(ctx, account)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, account string, settings types.Settings, version int) error {
	args := m.Called(ctx, account, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertTransition(ctx context.Context, account string, tr types.StateTransition) error {
	args := m.Called(ctx, account, tr)
	return args.Error(0)
}

func (m *MockDatabase) UpsertChargeSession(ctx context.Context, account string, sess types.ChargeSession) error {
	args := m.Called(ctx, account, sess)
	return args.Error(0)
}

func (m *MockDatabase) GetTransitions(ctx context.Context, account string, start, end time.Time) ([]types.StateTransition, error) {
	args := m.Called(ctx, account, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.StateTransition), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetChargeSessions(ctx context.Context, account string, limit int) ([]types.ChargeSession, error) {
	args := m.Called(ctx, account, limit)
	if len(args) > 0 {
		return args.Get(0).([]types.ChargeSession), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestChargeSessionTime(ctx context.Context, account string) (time.Time, error) {
	args := m.Called(ctx, account)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
