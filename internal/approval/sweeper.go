package approval

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweeper runs the retention sweep on the given cron schedule
// (e.g. "@every 5m"). Decided requests older than retention are removed;
// pending ones are untouched. Returns a stop function.
func (r *Registry) StartSweeper(schedule string, retention time.Duration) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := r.sweep(retention); n > 0 {
			r.logger.Debug("approval retention sweep",
				slog.Int("removed", n),
				slog.Duration("retention", retention),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() {
		ctx := c.Stop()
		<-ctx.Done()
	}, nil
}
