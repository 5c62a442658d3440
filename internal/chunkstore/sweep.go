package chunkstore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StartSweeper removes orphaned partial uploads older than ttl every period.
// after, when set, runs at the end of each pass. The returned function stops
// the sweeper and may be called more than once.
func StartSweeper(store Store, ttl, every time.Duration, log logrus.FieldLogger, after func()) func() {
	if every <= 0 || ttl <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(every)
	var once sync.Once
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				swept, err := store.Sweep(ctx, ttl)
				if err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("chunk sweep failed")
				}
				if len(swept) > 0 {
					log.WithField("identities", len(swept)).Info("swept orphaned uploads")
				}
				if after != nil {
					after()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		once.Do(cancel)
	}
}
