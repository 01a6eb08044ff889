package services

import (
	"context"
	"time"

	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/pkg/logger"
)

// ChallengeSweeper removes expired challenges that no principal came back for.
// Issue already purges the owner's stale rows; this catches the rest.
type ChallengeSweeper struct {
	Store   *challenges.Store
	Metrics *metrics.Metrics
}

func NewChallengeSweeper(store *challenges.Store, m *metrics.Metrics) *ChallengeSweeper {
	return &ChallengeSweeper{Store: store, Metrics: m}
}

func (s *ChallengeSweeper) Sweep(ctx context.Context) (int64, error) {
	purged, err := s.Store.PurgeExpired(ctx)
	if err != nil {
		logger.Error("challenge_sweep_failed", err, nil)
		return 0, err
	}
	s.Metrics.ChallengesPurged(purged)
	if purged > 0 {
		logger.Info("challenge_sweep_completed", map[string]interface{}{
			"purged": purged,
		})
	}
	return purged, nil
}

// Start sweeps every interval until ctx is cancelled.
func (s *ChallengeSweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()

	logger.Info("challenge_sweeper_started", map[string]interface{}{
		"interval": interval.String(),
	})
}
