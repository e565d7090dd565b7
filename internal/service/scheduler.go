package service

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

func NewScheduler(clock clockwork.Clock) (gocron.Scheduler, error) {
	return gocron.NewScheduler(gocron.WithClock(clock), gocron.WithLocation(time.UTC))
}

// SchedulePeriodic runs task every interval. A tick that finds the previous
// one still running is skipped.
func SchedulePeriodic(
	scheduler gocron.Scheduler,
	name string,
	every time.Duration,
	task func(context.Context) error,
) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if err := task(context.Background()); err != nil {
				log.Error().Err(err).Str("task", name).Msg("periodic task failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}
