package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	projectID := "test-project-id"

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: projectID,
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	const account = "A-TEST-1"

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Settings", func(t *testing.T) {
		// missing settings come back zero with no error
		got, version, err := f.GetSettings(ctx, account)
		require.NoError(t, err)
		assert.Zero(t, version)
		assert.Equal(t, types.Settings{}, got)

		peak, standard, offpeak := 0.197, 0.122, 0.084
		settings := types.Settings{
			Timezone:      "Europe/Madrid",
			EVEurosPerKWH: 0.068,
			Rates: types.TariffRates{
				Peak:     &peak,
				Standard: &standard,
				OffPeak:  &offpeak,
			},
		}
		require.NoError(t, f.SetSettings(ctx, account, settings, types.CurrentSettingsVersion))

		got, version, err = f.GetSettings(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, got)

		_, _, err = f.GetSettings(ctx, "")
		assert.Error(t, err)
	})

	t.Run("Transitions", func(t *testing.T) {
		base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			tr := types.StateTransition{
				From:      types.ChargerConnected,
				To:        types.ChargerBoost,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Trigger:   "boost_started",
			}
			require.NoError(t, f.InsertTransition(ctx, account, tr))
		}

		got, err := f.GetTransitions(ctx, account, base, base.Add(2*time.Minute))
		require.NoError(t, err)
		// range is half-open so the third record is excluded
		require.Len(t, got, 2)
		assert.Equal(t, base, got[0].Timestamp)
		assert.Equal(t, types.ChargerBoost, got[0].To)

		err = f.InsertTransition(ctx, account, types.StateTransition{})
		assert.Error(t, err, "zero timestamp should be rejected")
	})

	t.Run("ChargeSessions", func(t *testing.T) {
		base := time.Date(2025, 1, 14, 22, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			sess := types.ChargeSession{
				CompletedAt:    base.Add(time.Duration(i) * time.Hour),
				TSStart:        base.Add(time.Duration(i)*time.Hour - time.Hour),
				TSEnd:          base.Add(time.Duration(i) * time.Hour),
				Type:           "SMART",
				Duration:       time.Hour,
				EnergyAddedKWH: float64(i + 1),
				CostEuros:      0.122 * float64(i+1),
			}
			require.NoError(t, f.UpsertChargeSession(ctx, account, sess))
		}

		got, err := f.GetChargeSessions(ctx, account, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		// most recent first
		assert.Equal(t, 3.0, got[0].EnergyAddedKWH)
		assert.Equal(t, 2.0, got[1].EnergyAddedKWH)

		latest, err := f.GetLatestChargeSessionTime(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, base.Add(2*time.Hour), latest)

		// upserting the same end timestamp overwrites
		require.NoError(t, f.UpsertChargeSession(ctx, account, types.ChargeSession{
			TSStart:        base.Add(time.Hour),
			TSEnd:          base.Add(2 * time.Hour),
			EnergyAddedKWH: 9,
		}))
		got, err = f.GetChargeSessions(ctx, account, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 9.0, got[0].EnergyAddedKWH)
	})

	t.Run("LatestSessionTimeEmpty", func(t *testing.T) {
		ts, err := f.GetLatestChargeSessionTime(ctx, "A-EMPTY")
		require.NoError(t, err)
		assert.True(t, ts.IsZero())
	})
}
