// Package keeper runs the vault's periodic jobs on a cron schedule.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"yieldvault/config"
	"yieldvault/observability"
	"yieldvault/observability/logging"
)

// Job is a named unit of keeper work. An empty Spec registers the job for
// manual runs only.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Keeper schedules jobs with a seconds-resolution cron. A job never overlaps
// with itself; a failing or panicking job is logged and counted and the
// scheduler keeps going.
type Keeper struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.VaultMetrics

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
	base    context.Context
	cancel  context.CancelFunc
}

// New constructs an idle keeper. timeout bounds each job run.
func New(timeout time.Duration) *Keeper {
	logger := logging.Component(nil, "keeper")
	cl := cronLogger{logger: logger}
	base, cancel := context.WithCancel(context.Background())
	return &Keeper{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		timeout: timeout,
		logger:  logger,
		metrics: observability.Vault(),
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
		base:    base,
		cancel:  cancel,
	}
}

// Add registers job and schedules it when Spec is set.
func (k *Keeper) Add(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" || job.Run == nil {
		return fmt.Errorf("keeper: job needs a name and a run function")
	}
	spec := strings.TrimSpace(job.Spec)
	if spec != "" {
		if _, err := config.ParseSchedule(spec); err != nil {
			return fmt.Errorf("keeper: %s schedule: %w", name, err)
		}
	}
	k.mu.Lock()
	if _, dup := k.jobs[name]; dup {
		k.mu.Unlock()
		return fmt.Errorf("keeper: duplicate job %s", name)
	}
	k.jobs[name] = job
	k.mu.Unlock()

	if spec == "" {
		return nil
	}
	if _, err := k.cron.AddFunc(spec, func() {
		if err := k.RunNow(k.base, name); err != nil && !errors.Is(err, ErrJobRunning) {
			k.logger.Debug("scheduled job ended with error", "job", name, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register %s job: %w", name, err)
	}
	return nil
}

// Jobs lists the registered job names in sorted order.
func (k *Keeper) Jobs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.jobs))
	for name := range k.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrJobRunning is returned by RunNow when the job is already in flight.
var ErrJobRunning = errors.New("keeper: job already running")

// RunNow executes the named job synchronously.
func (k *Keeper) RunNow(ctx context.Context, name string) (err error) {
	k.mu.Lock()
	job, ok := k.jobs[name]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("keeper: unknown job %s", name)
	}
	if k.running[name] {
		k.mu.Unlock()
		k.logger.Warn("skipping overlapping run", "job", name)
		return ErrJobRunning
	}
	k.running[name] = true
	k.mu.Unlock()

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keeper: job %s panicked: %v", name, r)
		}
		k.mu.Lock()
		delete(k.running, name)
		k.mu.Unlock()
		k.metrics.Observe("keeper."+name, time.Since(start), err)
		if err != nil {
			k.logger.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
		}
	}()
	return job.Run(ctx)
}

// Start begins scheduling.
func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("keeper started", "jobs", strings.Join(k.Jobs(), ","))
}

// Stop halts scheduling and waits for in-flight jobs or ctx, whichever ends
// first.
func (k *Keeper) Stop(ctx context.Context) {
	stopped := k.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	k.cancel()
	k.logger.Info("keeper stopped")
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
