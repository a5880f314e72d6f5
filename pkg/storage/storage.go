package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/octoflex/octoflex/pkg/types"
)

var (
	ErrAccountNotFound = errors.New("account not found")
)

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, account string) (types.Settings, int, error)
	SetSettings(ctx context.Context, account string, settings types.Settings, version int) error

	// Data Persistence
	// InsertTransition records one charger state change.
	InsertTransition(ctx context.Context, account string, tr types.StateTransition) error
	// UpsertChargeSession adds or updates a completed session record.
	UpsertChargeSession(ctx context.Context, account string, sess types.ChargeSession) error

	// History
	GetTransitions(ctx context.Context, account string, start, end time.Time) ([]types.StateTransition, error)
	GetChargeSessions(ctx context.Context, account string, limit int) ([]types.ChargeSession, error)
	GetLatestChargeSessionTime(ctx context.Context, account string) (time.Time, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
