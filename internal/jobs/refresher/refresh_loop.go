package refresher

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

const DefaultInterval = 10 * time.Minute

// Refresher is satisfied by *pool.Manager.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Run refreshes once immediately and then on every tick until ctx is done.
func Run(ctx context.Context, refresher Refresher, interval time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	runOnce := func() {
		persisted, err := refresher.Refresh(ctx)
		switch {
		case err == nil:
			log.Debug("Scheduled refresh done", "persisted", persisted)
		case errors.Is(err, context.Canceled):
		default:
			log.Warn("Scheduled refresh skipped", "error", err)
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// Launch starts Run in the background. The returned function stops the loop
// and waits for an in-flight refresh to return.
func Launch(parent context.Context, refresher Refresher, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, refresher, interval)
	}()
	return func() {
		cancel()
		<-done
	}
}
