package client

import (
	"context"
	"github.com/lni/dragonboat/v4/logger"
	"math/rand"
	"time"
)

var (
	Logger = logger.GetLogger("rpc/client")
)

// initialBackoff is the wait after the first communication failure.
// It doubles with every further failure.
const initialBackoff = 50 * time.Millisecond

// jitter returns d with a small random jitter (+-10%)
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
