package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/storage"
	"github.com/octoflex/octoflex/pkg/types"
)

func rate(v float64) *float64 { return &v }

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	account := lflag.String("seed-account", "ES-DEMO-001", "account to seed")
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	loc, err := time.LoadLocation(types.DefaultTimezone)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load timezone", "error", err)
		os.Exit(1)
	}

	settings := types.Settings{
		Timezone:   types.DefaultTimezone,
		TariffKind: types.TariffVariable,
		Rates: types.TariffRates{
			Peak:     rate(0.197),
			Standard: rate(0.122),
			OffPeak:  rate(0.084),
		},
		EVEurosPerKWH: 0.068,
	}
	if err := s.SetSettings(ctx, *account, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	// One overnight smart-charge session per night for the past week, with
	// the matching plug/charge/unplug transitions.
	for day := 7; day >= 1; day-- {
		night := midnight.AddDate(0, 0, -day)

		pluggedAt := night.Add(-2*time.Hour + time.Duration(rng.Intn(90))*time.Minute)
		chargeStart := night.Add(2 * time.Hour)
		chargeEnd := chargeStart.Add(time.Duration(120+rng.Intn(180)) * time.Minute)
		unpluggedAt := night.Add(8*time.Hour + time.Duration(rng.Intn(60))*time.Minute)

		transitions := []types.StateTransition{
			{From: types.ChargerDisconnected, To: types.ChargerConnected, Timestamp: pluggedAt, Trigger: "car_plugged"},
			{From: types.ChargerConnected, To: types.ChargerSmartControl, Timestamp: chargeStart, Trigger: "window_started"},
			{From: types.ChargerSmartControl, To: types.ChargerStopped, Timestamp: chargeEnd, Trigger: "session_completed"},
			{From: types.ChargerStopped, To: types.ChargerDisconnected, Timestamp: unpluggedAt, Trigger: "car_unplugged"},
		}
		for _, tr := range transitions {
			if err := s.InsertTransition(ctx, *account, tr); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed transition", "error", err)
				os.Exit(1)
			}
		}

		energy := 6 + rng.Float64()*18
		soc := 60 + rng.Float64()*35
		sess := types.ChargeSession{
			CompletedAt:    chargeEnd,
			TSStart:        chargeStart,
			TSEnd:          chargeEnd,
			Type:           "SMART",
			Duration:       chargeEnd.Sub(chargeStart),
			EnergyAddedKWH: energy,
			CostEuros:      energy * settings.EVEurosPerKWH,
			SOCFinal:       &soc,
		}
		if err := s.UpsertChargeSession(ctx, *account, sess); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed session", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded night of %s: %.1f kWh for %.2f EUR (%s to %s)\n",
			night.Format("2006-01-02"), energy, sess.CostEuros,
			chargeStart.Format(time.Kitchen), chargeEnd.Format(time.Kitchen))
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
