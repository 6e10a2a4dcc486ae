package listmap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matteso1/chestnut/internal/tier"
)

// Scavenge removes stale arrays, those stored in a tier their key's count
// does not select. A promotion leaves one in the old tier when it does not
// get to remove it, and in the new tier when its count write fails. It
// returns how many arrays were removed.
func (s *Store) Scavenge(ctx context.Context) (int, error) {
	removed := 0
	for _, t := range tier.Tiers {
		n, err := s.scavengeTier(ctx, t)
		removed += n
		if err != nil {
			s.metrics.RecordScavenged(removed)
			return removed, err
		}
	}
	s.metrics.RecordScavenged(removed)
	if removed > 0 {
		s.logger.Info("scavenged stale arrays", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) scavengeTier(ctx context.Context, t tier.Tier) (int, error) {
	var candidates []uint64
	if err := s.maps[t].Keys(func(key uint64) bool {
		candidates = append(candidates, key)
		return ctx.Err() == nil
	}); err != nil {
		return 0, fmt.Errorf("list %v keys: %w", t, err)
	}

	removed := 0
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if s.closed.Load() {
			return removed, ErrClosed
		}

		stale, err := s.removeIfStale(ctx, t, key)
		if err != nil {
			return removed, err
		}
		if stale {
			removed++
		}
	}
	return removed, nil
}

// removeIfStale deletes key from t's map when key's count selects another
// tier. The check and the delete happen under the key's lock.
func (s *Store) removeIfStale(ctx context.Context, t tier.Tier, key uint64) (bool, error) {
	mu := s.lockFor(key)
	mu.Lock()
	count, err := s.counts.Get(key)
	if err != nil || s.policy.For(count) == t {
		mu.Unlock()
		return false, err
	}
	mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	mu.Lock()
	defer mu.Unlock()
	// An append may have run while waiting.
	count, err = s.counts.Get(key)
	if err != nil || s.policy.For(count) == t {
		return false, err
	}
	if err := s.maps[t].Remove(key); err != nil {
		return false, fmt.Errorf("remove stale %v array: %w", t, err)
	}
	s.logger.Debug("removed stale array",
		zap.Uint64("key", key),
		zap.Stringer("tier", t),
		zap.Uint64("count", count))
	return true, nil
}

// StartScavenger runs Scavenge every interval until ctx is done or the
// store is closed.
func (s *Store) StartScavenger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Scavenge(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("scavenge failed", zap.Error(err))
					s.metrics.RecordError()
				}
			}
		}
	}()
}
