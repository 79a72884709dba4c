// Package sweeper runs the manager's four periodic maintenance loops on top
// of gocron: the offline marker, the task timeout sweeper, the reservation
// cleanup, and the exercise auto-ender. Each loop runs one short
// transactional query per tick and is idempotent, so the loops take no
// cross-loop locks; every state change is guarded inside its own mutating
// statement. First ticks are staggered to keep the loops from piling onto
// the store at startup.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/metrics"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
)

const (
	offlinePeriod     = 5 * time.Second
	timeoutPeriod     = 5 * time.Second
	reservationPeriod = 60 * time.Second
	autoEndPeriod     = 5 * time.Second

	// timeoutGrace is added to a client task's duration before the timeout
	// sweeper gives up on it.
	timeoutGrace = 10 * time.Second

	// staleReservationAge releases a reservation no matter what its task is
	// doing. Reclaims ports leaked by agents that died mid-exercise.
	staleReservationAge = 2 * time.Hour

	tickTimeout = 10 * time.Second
)

// Sweeper wraps gocron and owns the four loops. The zero value is not
// usable; create instances with New.
type Sweeper struct {
	cron      gocron.Scheduler
	agents    repositories.AgentRepository
	tasks     repositories.TaskRepository
	exercises repositories.ExerciseRepository
	resv      repositories.ReservationRepository
	logger    *zap.Logger
}

// New creates and configures a Sweeper. Call Start to begin ticking.
func New(
	agents repositories.AgentRepository,
	tasks repositories.TaskRepository,
	exercises repositories.ExerciseRepository,
	resv repositories.ReservationRepository,
	logger *zap.Logger,
) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron:      s,
		agents:    agents,
		tasks:     tasks,
		exercises: exercises,
		resv:      resv,
		logger:    logger.Named("sweeper"),
	}, nil
}

// Start registers the four loops with staggered first ticks and starts the
// underlying scheduler.
func (s *Sweeper) Start() error {
	now := time.Now()
	loops := []struct {
		name    string
		period  time.Duration
		stagger time.Duration
		run     func(ctx context.Context)
	}{
		{"offline_marker", offlinePeriod, 500 * time.Millisecond, s.markOffline},
		{"timeout_sweeper", timeoutPeriod, 1 * time.Second, s.timeoutTasks},
		{"reservation_cleanup", reservationPeriod, 1500 * time.Millisecond, s.cleanupReservations},
		{"exercise_auto_ender", autoEndPeriod, 2 * time.Second, s.autoEndExercises},
	}

	for _, loop := range loops {
		run := loop.run
		_, err := s.cron.NewJob(
			gocron.DurationJob(loop.period),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
				defer cancel()
				run(ctx)
			}),
			gocron.WithName(loop.name),
			gocron.WithStartAt(gocron.WithStartDateTime(now.Add(loop.stagger))),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", loop.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("sweepers started", zap.Int("loops", len(loops)))
	return nil
}

// Stop shuts down the scheduler, waiting for in-flight ticks to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper shutdown error: %w", err)
	}
	s.logger.Info("sweepers stopped")
	return nil
}

// markOffline flips online agents whose heartbeat has gone quiet.
func (s *Sweeper) markOffline(ctx context.Context) {
	cutoff := time.Now().Add(-db.AgentLivenessWindow)
	n, err := s.agents.MarkOfflineBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("offline marker failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.AgentsMarkedOffline.Add(float64(n))
		s.logger.Info("agents marked offline", zap.Int64("count", n))
	}
}

// timeoutTasks flips running client tasks past their deadline to timed_out.
func (s *Sweeper) timeoutTasks(ctx context.Context) {
	n, err := s.tasks.TimeOutOverdue(ctx, time.Now(), timeoutGrace)
	if err != nil {
		s.logger.Error("timeout sweeper failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.TasksTimedOut.Add(float64(n))
		s.logger.Info("tasks timed out", zap.Int("count", n))
	}
}

// cleanupReservations releases reservations whose task is terminal, then
// any reservation old enough to be considered leaked.
func (s *Sweeper) cleanupReservations(ctx context.Context) {
	now := time.Now()

	released, err := s.resv.ReleaseTerminal(ctx, now)
	if err != nil {
		s.logger.Error("terminal reservation cleanup failed", zap.Error(err))
	}

	stale, err := s.resv.ReleaseStale(ctx, now.Add(-staleReservationAge), now)
	if err != nil {
		s.logger.Error("stale reservation cleanup failed", zap.Error(err))
	}

	if released+stale > 0 {
		metrics.ReservationsReleased.Add(float64(released + stale))
		s.logger.Info("reservations released",
			zap.Int64("terminal", released), zap.Int64("stale", stale))
	}
}

// autoEndExercises ends running exercises once every test task is terminal.
// Ending goes through the same path as an operator stop, which also emits
// the kill_all tasks and releases any leftover reservations.
func (s *Sweeper) autoEndExercises(ctx context.Context) {
	running, err := s.exercises.ListRunning(ctx)
	if err != nil {
		s.logger.Error("auto-ender list failed", zap.Error(err))
		return
	}

	for i := range running {
		ex := &running[i]
		active, err := s.exercises.CountActiveTasks(ctx, ex.ID)
		if err != nil {
			s.logger.Error("auto-ender count failed",
				zap.Uint("exercise_id", ex.ID), zap.Error(err))
			continue
		}
		if active > 0 {
			continue
		}

		killCount, err := s.exercises.Stop(ctx, ex.ID, time.Now())
		if err != nil {
			s.logger.Error("auto-ender stop failed",
				zap.Uint("exercise_id", ex.ID), zap.Error(err))
			continue
		}
		metrics.ExercisesAutoEnded.Inc()
		s.logger.Info("exercise auto-ended",
			zap.Uint("exercise_id", ex.ID),
			zap.String("name", ex.Name),
			zap.Int("kill_tasks", killCount))
	}
}
