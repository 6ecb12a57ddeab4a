package outbox

import (
	"context"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
)

// RunPruner deletes uploaded rows older than retain every interval until
// ctx is done.
func RunPruner(ctx context.Context, store *Store, retain, interval time.Duration) {
	if retain <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PruneUploaded(ctx, now.Add(-retain))
			if err != nil {
				log.Warnf("prune uploaded segments: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("pruned %d uploaded segment row(s)", n)
			}
		}
	}
}
