package outbox

import (
	"context"
	"fmt"
	"os"
	"time"
)

// StabilityOptions decide when a segment file is finished being written.
type StabilityOptions struct {
	MinAge       time.Duration
	StableFor    time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
}

func DefaultStability() StabilityOptions {
	return StabilityOptions{
		MinAge:       2 * time.Second,
		StableFor:    5 * time.Second,
		PollInterval: 500 * time.Millisecond,
		MaxWait:      300 * time.Second,
	}
}

// waitStable blocks until file is at least MinAge old and its size and
// mtime have not changed for StableFor.
func waitStable(ctx context.Context, file string, o StabilityOptions) error {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	start := time.Now()
	var (
		lastSize    int64 = -1
		lastMod     time.Time
		stableSince time.Time
	)
	for {
		info, err := os.Stat(file)
		if err != nil {
			return err
		}
		now := time.Now()
		if now.Sub(info.ModTime()) >= o.MinAge {
			if info.Size() == lastSize && info.ModTime().Equal(lastMod) {
				if now.Sub(stableSince) >= o.StableFor {
					return nil
				}
			} else {
				lastSize, lastMod, stableSince = info.Size(), info.ModTime(), now
				if o.StableFor <= 0 {
					return nil
				}
			}
		}
		if o.MaxWait > 0 && now.Sub(start) >= o.MaxWait {
			return fmt.Errorf("%s still changing after %s", file, o.MaxWait)
		}

		t := time.NewTimer(o.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
