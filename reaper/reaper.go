package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule rotates expired containers once a minute.
const DefaultSchedule = "@every 1m"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is anything holding containers that can expire while idle.
type Target interface {
	Reap(ctx context.Context) int
}

// Validate checks a schedule expression: five cron fields or a descriptor
// such as "@every 30s".
func Validate(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}

// Reaper rotates expired idle containers on a cron schedule, so they do not
// linger until the next acquisition.
type Reaper struct {
	logger  *zap.Logger
	target  Target
	cron    *cron.Cron
	timeout time.Duration
}

// New schedules target.Reap. The schedule is not started until Start.
func New(logger *zap.Logger, target Target, schedule string) (*Reaper, error) {
	r := &Reaper{
		logger:  logger.Named("reaper"),
		target:  target,
		cron:    cron.New(cron.WithParser(parser)),
		timeout: time.Minute,
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Reaper) Start() {
	r.logger.Info("container reaper started")
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("container reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if n := r.target.Reap(ctx); n > 0 {
		r.logger.Info("rotated expired containers", zap.Int("count", n))
	}
}
