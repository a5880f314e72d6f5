// Package poller drives the engine's periodic refresh.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/octoflex/octoflex/pkg/engine"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/robfig/cron/v3"
)

// Poller schedules engine refreshes. The engine itself decides which data
// tiers are due on each cycle, so a single cron entry is enough.
type Poller struct {
	engine *engine.Engine

	spec    string
	timeout time.Duration
}

// Configured initializes the Poller with the given engine.
// It uses lflag to register command-line flags for configuration.
func Configured(e *engine.Engine) *Poller {
	p := &Poller{engine: e}
	spec := lflag.String("poll-cron", "@every 2m", "cron spec for the refresh cycle")
	timeout := lflag.Duration("poll-timeout", time.Minute, "timeout for one refresh cycle")
	lflag.Do(func() {
		p.spec = *spec
		p.timeout = *timeout
	})
	return p
}

// New creates a poller with an explicit schedule, bypassing flags.
func New(e *engine.Engine, spec string, timeout time.Duration) *Poller {
	return &Poller{engine: e, spec: spec, timeout: timeout}
}

// Run refreshes once immediately, then on the configured schedule until the
// context is canceled. A failed cycle is logged and the schedule keeps going.
func (p *Poller) Run(ctx context.Context) error {
	p.refresh(ctx)

	c := cron.New()
	if _, err := c.AddFunc(p.spec, func() {
		p.refresh(ctx)
	}); err != nil {
		return fmt.Errorf("invalid poll-cron spec %q: %w", p.spec, err)
	}

	log.Ctx(ctx).InfoContext(ctx, "poller started", slog.String("spec", p.spec))
	c.Start()
	<-ctx.Done()

	// wait for an in-flight cycle to finish
	<-c.Stop().Done()
	log.Ctx(ctx).InfoContext(ctx, "poller stopped")
	return nil
}

func (p *Poller) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	st, err := p.engine.Refresh(cctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "refresh cycle failed",
			slog.Duration("took", time.Since(start)),
			slog.Any("error", err),
		)
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "refresh cycle finished",
		slog.Duration("took", time.Since(start)),
		slog.Uint64("generation", st.Generation),
		slog.String("chargerState", string(st.ChargerState)),
	)
}
