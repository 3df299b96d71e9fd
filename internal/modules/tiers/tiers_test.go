package tiers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLadder(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	at := func(age time.Duration) *time.Time {
		v := now.Add(-age)
		return &v
	}

	tests := []struct {
		name string
		sig  Signals
		want Tier
	}{
		{"never ordered", Signals{}, TierCold},
		{"just now", Signals{LastOrderAt: at(0)}, TierHot},
		{"exactly five minutes", Signals{LastOrderAt: at(5 * time.Minute)}, TierHot},
		{"six minutes", Signals{LastOrderAt: at(6 * time.Minute)}, TierWarm},
		{"one hour", Signals{LastOrderAt: at(time.Hour)}, TierWarm},
		{"exactly one day", Signals{LastOrderAt: at(24 * time.Hour)}, TierWarm},
		{"three days", Signals{LastOrderAt: at(3 * 24 * time.Hour)}, TierCold},
		{"exactly seven days", Signals{LastOrderAt: at(7 * 24 * time.Hour)}, TierDormant},
		{"eight days", Signals{LastOrderAt: at(8 * 24 * time.Hour)}, TierDormant},
		{"active orders trump stale activity", Signals{HasActiveOrders: true, LastOrderAt: at(8 * 24 * time.Hour)}, TierHot},
		{"active orders with no activity record", Signals{HasActiveOrders: true}, TierHot},
		{"open positions trump stale activity", Signals{HasOpenPositions: true, LastOrderAt: at(8 * 24 * time.Hour)}, TierWarm},
		{"open positions with no activity record", Signals{HasOpenPositions: true}, TierWarm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sig, now))
		})
	}
}

func TestTierIntervals(t *testing.T) {
	assert.Equal(t, 30*time.Second, TierHot.Interval())
	assert.Equal(t, 120*time.Second, TierWarm.Interval())
	assert.Equal(t, 900*time.Second, TierCold.Interval())
	assert.Equal(t, time.Duration(0), TierDormant.Interval(), "dormant accounts are never polled")
}

func TestEffectiveTierHonorsPromotion(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	future := now.Add(5 * time.Minute)
	promoted := &AccountTier{Tier: TierCold, PromotedUntil: &future}
	assert.Equal(t, TierHot, promoted.EffectiveTier(now))

	past := now.Add(-time.Minute)
	expired := &AccountTier{Tier: TierCold, PromotedUntil: &past}
	assert.Equal(t, TierCold, expired.EffectiveTier(now))

	plain := &AccountTier{Tier: TierWarm}
	assert.Equal(t, TierWarm, plain.EffectiveTier(now))
}
