// Package maintenance runs the scheduled housekeeping jobs: WAL compaction
// on the ledger database and the session-boundary refresh at the daily
// quota reset.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/modules/subscriptions"
	"github.com/tradeforge/oms/internal/modules/tiers"
)

// Jobs owns the cron scheduler.
type Jobs struct {
	cron     *cron.Cron
	ordersDB *database.DB
	subs     *subscriptions.Manager
	tierRepo *tiers.Repository
	policy   config.PolicyConfig
	log      zerolog.Logger
}

// New builds the job runner. Schedules are interpreted in the daily-reset
// timezone so the session boundary lands on the exchange clock, not UTC.
func New(policy config.PolicyConfig, ordersDB *database.DB, subs *subscriptions.Manager, tierRepo *tiers.Repository, log zerolog.Logger) (*Jobs, error) {
	loc, err := time.LoadLocation(policy.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reset timezone %q: %w", policy.ResetTimezone, err)
	}

	return &Jobs{
		cron:     cron.New(cron.WithLocation(loc)),
		ordersDB: ordersDB,
		subs:     subs,
		tierRepo: tierRepo,
		policy:   policy,
		log:      log.With().Str("component", "maintenance").Logger(),
	}, nil
}

// Start registers the jobs and launches the scheduler.
func (j *Jobs) Start() error {
	// Checkpoint the WAL overnight, well outside market hours. The ledger
	// profile never auto-vacuums, so this is the only compaction it gets.
	if _, err := j.cron.AddFunc("30 1 * * *", j.walCheckpoint); err != nil {
		return fmt.Errorf("failed to schedule wal checkpoint: %w", err)
	}

	// The session boundary doubles as quota reset: re-register feed
	// subscriptions and reclassify sync tiers for the new trading day.
	boundary := fmt.Sprintf("%d %d * * *", j.policy.ResetMinute, j.policy.ResetHour)
	if _, err := j.cron.AddFunc(boundary, j.sessionBoundary); err != nil {
		return fmt.Errorf("failed to schedule session boundary job: %w", err)
	}

	j.cron.Start()
	j.log.Info().Str("boundary", boundary).Msg("maintenance jobs scheduled")
	return nil
}

// Stop halts the scheduler and waits for a running job.
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Jobs) walCheckpoint() {
	if err := j.ordersDB.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("wal checkpoint failed")
		return
	}
	j.log.Info().Msg("wal checkpoint complete")
}

func (j *Jobs) sessionBoundary() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.subs.Refresh(ctx); err != nil {
		j.log.Warn().Err(err).Msg("session boundary subscription refresh failed")
	}
	if err := j.tierRepo.Reclassify(ctx, time.Now()); err != nil {
		j.log.Warn().Err(err).Msg("session boundary tier reclassification failed")
	}
	j.log.Info().Msg("session boundary maintenance complete")
}
