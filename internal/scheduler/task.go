package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var taskRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "acc_task_runs_total",
		Help: "Total background task executions by task name and result.",
	},
	[]string{"task", "result"},
)

func init() {
	prometheus.MustRegister(taskRunsTotal)
}

// Task represents a periodically executed unit of work, such as the client
// list staleness check or the restriction workbook reload.
type Task struct {
	// Name is a human-readable identifier used in log messages and metrics.
	Name string
	// Interval is the period between successive runs.
	Interval time.Duration
	// RunFunc is the function executed each tick. Errors are logged but do not
	// stop the loop.
	RunFunc func(ctx context.Context) error
	// Immediate fires the task once on start before waiting for the first tick.
	Immediate bool

	logger *logrus.Entry
}

// NewTask creates a new periodic task that runs immediately on start.
func NewTask(name string, interval time.Duration, runFunc func(ctx context.Context) error, logger *logrus.Entry) *Task {
	return &Task{
		Name:      name,
		Interval:  interval,
		RunFunc:   runFunc,
		Immediate: true,
		logger:    logger.WithField("task", name),
	}
}

// Run executes the task in a loop, waiting Interval between invocations.
// The loop exits when ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.WithField("interval", t.Interval).Info("task started")

	if t.Immediate {
		t.execute(ctx)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("task stopping (context cancelled)")
			return
		case <-ticker.C:
			t.execute(ctx)
		}
	}
}

// execute performs a single invocation and logs the outcome.
func (t *Task) execute(ctx context.Context) {
	start := time.Now()
	if err := t.RunFunc(ctx); err != nil {
		taskRunsTotal.WithLabelValues(t.Name, "error").Inc()
		t.logger.WithError(err).WithField("duration", time.Since(start).Round(time.Millisecond)).
			Error("task execution failed")
	} else {
		taskRunsTotal.WithLabelValues(t.Name, "success").Inc()
		t.logger.WithField("duration", time.Since(start).Round(time.Millisecond)).
			Debug("task execution completed")
	}
}
