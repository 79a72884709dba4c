// Package agent is the worker's main loop: register with the manager, then
// heartbeat on a fixed tick, claim pending tasks in small bursts, and hand
// each claimed task to the executor on its own goroutine. The loop decides
// when the process must die — a fatal manager response (the agent row was
// deleted or disabled) or too many consecutive heartbeat failures both end
// the run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/executor"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/transport"
)

const (
	// loopInterval is the heartbeat and claim cadence.
	loopInterval = 5 * time.Second

	// claimBurst caps how many tasks one tick will claim. Keeps a single
	// agent from draining a large queue before its peers get a turn.
	claimBurst = 5

	// maxHeartbeatFailures is how many consecutive transient heartbeat
	// failures the agent tolerates before giving up on the manager.
	maxHeartbeatFailures = 3

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction spreads reconnecting agents out so a manager restart
	// does not get the whole fleet back on the same tick.
	jitterFraction = 0.2

	shutdownTimeout = 15 * time.Second
)

// Runner drives the agent's lifecycle against one manager.
type Runner struct {
	client   *transport.Client
	exec     *executor.Executor
	logger   *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	inflight map[uint]struct{}
	wg       sync.WaitGroup
}

// New creates a Runner around an already configured transport client and
// executor.
func New(client *transport.Client, exec *executor.Executor, logger *zap.Logger) *Runner {
	return &Runner{
		client:   client,
		exec:     exec,
		logger:   logger.Named("runner"),
		interval: loopInterval,
		inflight: make(map[uint]struct{}),
	}
}

// Run registers and then loops until ctx is canceled or the manager signals
// termination. On exit every child process is terminated and in-flight task
// goroutines are drained.
func (r *Runner) Run(ctx context.Context) error {
	r.killStaleIperf()

	if err := r.register(ctx); err != nil {
		return err
	}

	runErr := r.loop(ctx)

	// Children die with the agent; orphaned iperf3 servers would hold their
	// ports and poison the next run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.exec.KillAll(shutdownCtx)
	r.wg.Wait()

	return runErr
}

// register announces the agent, retrying transient failures with backoff.
func (r *Runner) register(ctx context.Context) error {
	backoff := backoffInitial
	for {
		err := r.client.Register(ctx, localIP(), osDescription())
		if err == nil {
			r.logger.Info("registered with manager")
			return nil
		}
		if errors.Is(err, transport.ErrFatal) {
			return fmt.Errorf("agent: register: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("registration failed, retrying",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// loop is the steady state: heartbeat, then claim, every tick.
func (r *Runner) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := 0
	for {
		pull, err := r.client.Heartbeat(ctx, localIP(), r.exec.Running())
		if err != nil {
			if errors.Is(err, transport.ErrFatal) {
				r.logger.Error("manager signaled termination, exiting", zap.Error(err))
				return fmt.Errorf("agent: heartbeat: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.logger.Warn("heartbeat failed",
				zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxHeartbeatFailures {
				return fmt.Errorf("agent: %d consecutive heartbeat failures: %w", failures, err)
			}
		} else {
			failures = 0
			if pull {
				r.claimTasks(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// claimTasks pulls up to claimBurst tasks, stopping at the first empty claim,
// and starts an executor goroutine per task.
func (r *Runner) claimTasks(ctx context.Context) {
	for i := 0; i < claimBurst; i++ {
		task, err := r.client.Claim(ctx)
		if err != nil {
			r.logger.Warn("claim failed", zap.Error(err))
			return
		}
		if task == nil {
			return
		}

		r.mu.Lock()
		if _, dup := r.inflight[task.ID]; dup {
			r.mu.Unlock()
			continue
		}
		r.inflight[task.ID] = struct{}{}
		r.mu.Unlock()

		r.logger.Info("task claimed",
			zap.Uint("task_id", task.ID), zap.String("type", task.Type))

		r.wg.Add(1)
		go func(t *transport.Task) {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.inflight, t.ID)
				r.mu.Unlock()
			}()
			r.exec.Execute(ctx, t)
		}(task)
	}
}

// killStaleIperf terminates iperf3 processes left behind by a previous agent
// run. Best effort; a survivor just fails the next server spawn on that port.
func (r *Runner) killStaleIperf() {
	procs, err := process.Processes()
	if err != nil {
		r.logger.Warn("stale process scan failed", zap.Error(err))
		return
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != "iperf3" {
			continue
		}
		if err := p.Terminate(); err != nil {
			r.logger.Warn("failed to terminate stale iperf3",
				zap.Int32("pid", p.Pid), zap.Error(err))
			continue
		}
		r.logger.Info("terminated stale iperf3", zap.Int32("pid", p.Pid))
	}
}

// localIP returns the host's preferred outbound IPv4 address, or "" when it
// cannot be determined; the manager keeps the last known value in that case.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// osDescription builds a human readable platform string for registration.
func osDescription() string {
	info, err := host.Info()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelArch)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFraction * (2*rand.Float64() - 1))
	return d + delta
}
