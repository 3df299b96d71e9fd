package tiers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/ratelimit"
)

// Syncer refreshes one account's broker-side state (orders, positions,
// triggers). Implemented by the reconciliation engine.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID int64) error
}

// interBatchPause spaces account syncs within one tier pass so a large tier
// does not burst the broker.
const interBatchPause = 100 * time.Millisecond

// promotionTTL is how long an explicit promotion pins an account HOT.
const promotionTTL = 10 * time.Minute

// hardRefreshThrottle limits explicit per-account refreshes.
const hardRefreshThrottle = 30 * time.Second

// Scheduler runs one polling loop per tier plus a periodic reclassifier.
type Scheduler struct {
	repo    *Repository
	syncer  Syncer
	store   *kv.Store
	metrics *metrics.Metrics
	log     zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler wires the tier scheduler.
func NewScheduler(repo *Repository, syncer Syncer, store *kv.Store, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		syncer:  syncer,
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "tier_scheduler").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches the per-tier pollers and the reclassifier. DORMANT has no
// poller.
func (s *Scheduler) Start() {
	for _, tier := range []Tier{TierHot, TierWarm, TierCold} {
		s.wg.Add(1)
		go s.pollTier(tier)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.repo.Reclassify(context.Background(), time.Now()); err != nil {
					s.log.Warn().Err(err).Msg("tier reclassification failed")
				}
			case <-s.stop:
				return
			}
		}
	}()

	s.log.Info().Msg("tier scheduler started")
}

// Stop shuts every loop down and waits.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) pollTier(tier Tier) {
	defer s.wg.Done()
	ticker := time.NewTicker(tier.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTier(tier)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runTier(tier Tier) {
	// Background syncs wait out busy rate windows instead of failing; the
	// tier interval bounds how long one pass may take.
	ctx, cancel := context.WithTimeout(ratelimit.WithWait(context.Background()), tier.Interval())
	defer cancel()
	accounts, err := s.repo.ListByEffectiveTier(ctx, tier, time.Now())
	if err != nil {
		s.log.Error().Err(err).Str("tier", string(tier)).Msg("failed to list tier accounts")
		return
	}

	for _, accountID := range accounts {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.syncer.SyncAccount(ctx, accountID); err != nil {
			s.log.Warn().Err(err).Int64("trading_account_id", accountID).
				Str("tier", string(tier)).Msg("account sync failed")
			_ = s.repo.MarkSynced(ctx, accountID, false)
			s.metrics.SyncRuns.WithLabelValues(string(tier), "error").Inc()
		} else {
			_ = s.repo.MarkSynced(ctx, accountID, true)
			s.metrics.SyncRuns.WithLabelValues(string(tier), "ok").Inc()
		}

		time.Sleep(interBatchPause)
	}
}

// NoteOrderActivity promotes an account to HOT after order flow: the next
// fills will land within the HOT cadence.
func (s *Scheduler) NoteOrderActivity(ctx context.Context, accountID int64) {
	if err := s.repo.RecordOrderActivity(ctx, accountID, time.Now()); err != nil {
		s.log.Warn().Err(err).Int64("trading_account_id", accountID).Msg("failed to record order activity")
	}
}

// HardRefresh syncs one account immediately, throttled per account so a
// refresh button cannot burn the rate budget. Returns false when throttled.
func (s *Scheduler) HardRefresh(ctx context.Context, accountID int64) (bool, error) {
	key := fmt.Sprintf("hard_refresh:%d", accountID)
	won, err := s.store.SetNX(ctx, key, "1", hardRefreshThrottle)
	if err != nil {
		// Store outage degrades to unthrottled refresh rather than a dead
		// button.
		s.log.Warn().Err(err).Msg("hard refresh throttle unavailable")
	} else if !won {
		return false, nil
	}

	if err := s.syncer.SyncAccount(ctx, accountID); err != nil {
		return true, err
	}
	if err := s.repo.Promote(ctx, accountID, time.Now().Add(promotionTTL)); err != nil {
		s.log.Warn().Err(err).Int64("trading_account_id", accountID).Msg("failed to promote account")
	}
	return true, nil
}
