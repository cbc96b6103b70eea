package logdb

import (
	"context"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// pruneSchedule runs the retention pass nightly, off-peak.
const pruneSchedule = "30 3 * * *"

// StartRetention schedules a daily prune of records older than the
// retention window. The returned stop function blocks until a running
// prune finishes.
func StartRetention(store *Store, retentionDays int) (stop func()) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	c := cron.New()
	_, err := c.AddFunc(pruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		n, err := store.Prune(ctx, cutoff)
		if err != nil {
			log.Error("request log prune failed", "err", err)
			return
		}
		if n > 0 {
			log.Info("request logs pruned", "removed", n, "retention_days", retentionDays)
		}
	})
	if err != nil {
		log.Error("retention schedule invalid", "err", err)
		return func() {}
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}
}
