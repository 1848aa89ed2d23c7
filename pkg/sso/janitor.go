package sso

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medbridge-io/medbridge/pkg/observability"
)

// janitorRetention keeps consumed and expired rows around briefly so late
// redemptions classify as used/expired instead of unknown.
const janitorRetention = 10 * time.Minute

// Janitor periodically deletes stale handoff rows from the Postgres code
// store. Redis entries expire on their own; only the SQL store needs this.
type Janitor struct {
	cron   *cron.Cron
	store  *PostgresCodeStore
	logger *observability.Logger
}

// NewJanitor creates a janitor over the store
func NewJanitor(store *PostgresCodeStore, logger *observability.Logger) *Janitor {
	return &Janitor{
		cron:   cron.New(),
		store:  store,
		logger: logger,
	}
}

// Start schedules the purge every minute
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.purge); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running purge to finish
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-janitorRetention)
	n, err := j.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		j.logger.WithError(err).Error("failed to purge expired handoff codes")
		return
	}
	if n > 0 {
		j.logger.WithField("purged", n).Debug("purged expired handoff codes")
	}
}
