package riptide

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Periodic admits a fresh job on a cron schedule (standard five-field
// spec, or descriptors like "@hourly"). Each firing goes through normal
// admission, so periodic jobs get ids, lanes, and retries like any
// other job.
func (q *Queue) Periodic(spec, jobType string, parameters interface{}, opts ...JobOption) (cron.EntryID, error) {
	q.cronOnce.Do(func() {
		q.cron = cron.New()
		q.cron.Start()
	})

	return q.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jobID, err := q.CreateJob(ctx, jobType, parameters, opts...)
		if err != nil {
			q.logger.Warn("periodic admission failed",
				zap.String("job_type", jobType), zap.Error(err))
			return
		}
		q.logger.Debug("periodic job admitted",
			zap.String("job_type", jobType), zap.String("job_id", jobID))
	})
}

// RemovePeriodic stops future firings of a periodic entry.
func (q *Queue) RemovePeriodic(id cron.EntryID) {
	if q.cron != nil {
		q.cron.Remove(id)
	}
}
