package relay

import (
	"context"
	"log/slog"
	"time"
)

// RunStats logs engine stats every interval until ctx is canceled.
func RunStats(ctx context.Context, e *Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRelayed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := e.Stats()
			delta := st.Relayed - lastRelayed
			lastRelayed = st.Relayed
			if st.Clients > 0 || delta > 0 {
				slog.Info("stats",
					"clients", st.Clients,
					"rooms", st.Rooms,
					"relayed", delta,
					"per_sec", float64(delta)/interval.Seconds(),
					"failed_total", st.Failed,
				)
			}
		}
	}
}
