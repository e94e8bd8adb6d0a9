package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
)

// Sweep runs CleanupExpired on every pool each interval until ctx is done.
// It blocks; run it in its own goroutine.
func Sweep(
	ctx context.Context,
	pools []*keypool.Pool,
	interval time.Duration,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Recovery sweeper stopped")
			return

		case <-ticker.C:
			recovered := SweepOnce(pools)
			if recovered > 0 {
				logger.Info("Recovered blacklisted keys",
					slog.Int("count", recovered))
			}
		}
	}
}

// SweepOnce expires blacklists in every pool and returns the number of keys
// that came back.
func SweepOnce(pools []*keypool.Pool) int {
	total := 0
	for _, p := range pools {
		total += p.CleanupExpired()
	}
	return total
}
