// services/scheduler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is a lock-protected unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context, trigger string) (JobOutcome, error)
}

type JobRegistry struct {
	jobs map[string]Job
}

func NewJobRegistry(jobs ...Job) *JobRegistry {
	r := &JobRegistry{jobs: make(map[string]Job, len(jobs))}
	for _, j := range jobs {
		r.jobs[j.Name()] = j
	}
	return r
}

func (r *JobRegistry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *JobRegistry) Run(ctx context.Context, name, trigger string) (JobOutcome, error) {
	job, ok := r.jobs[name]
	if !ok {
		return JobOutcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job.Run(ctx, trigger)
}

// JobSchedule pairs a registered job with its gocron definition.
type JobSchedule struct {
	Name       string
	Definition gocron.JobDefinition
}

func DefaultSchedules() []JobSchedule {
	return []JobSchedule{
		{Name: ScopeMembershipExpiry, Definition: gocron.DurationJob(15 * time.Minute)},
		{Name: ScopeReferralPayableRefresh, Definition: gocron.DurationJob(1 * time.Hour)},
		{Name: ScopeTrialReminderDigest, Definition: gocron.CronJob("0 9 * * *", false)},
	}
}

// StartScheduler runs every schedule until ctx is cancelled. The job lock still guards
// against the same job firing on other instances.
func StartScheduler(ctx context.Context, registry *JobRegistry, schedules []JobSchedule) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	for _, s := range schedules {
		name := s.Name
		_, err := sched.NewJob(
			s.Definition,
			gocron.NewTask(func() {
				outcome, err := registry.Run(ctx, name, TriggerSchedule)
				switch {
				case err != nil:
					log.Printf("[Scheduler] %s failed: %v", name, err)
				case outcome.Skipped != "":
					log.Printf("[Scheduler] %s/%s skipped: %s", name, outcome.Key, outcome.Skipped)
				default:
					log.Printf("✅ [Scheduler] %s/%s done %v", name, outcome.Key, outcome.Result)
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	sched.Start()
	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("[Scheduler] shutdown: %v", err)
		}
	}()
	log.Printf("[Scheduler] started %d job(s)", len(schedules))
	return sched, nil
}
