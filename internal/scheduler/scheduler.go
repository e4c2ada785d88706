// Package scheduler runs a named maintenance task on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var runsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solbot_guard_scheduled_runs_total",
		Help: "Scheduled task runs by task and outcome.",
	},
	[]string{"task", "status"},
)

func init() {
	prometheus.MustRegister(runsTotal)
}

// Func is the unit of work a Scheduler runs.
type Func func(ctx context.Context) error

// Scheduler runs fn every interval on a background goroutine.
type Scheduler struct {
	name     string
	fn       Func
	interval time.Duration
	mu       sync.Mutex // serializes scheduled and on-demand runs
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New creates and starts a scheduler. If interval is 0, no goroutine is
// started and the task only runs through RunOnce.
func New(name string, fn Func, interval time.Duration) *Scheduler {
	s := &Scheduler{
		name:     name,
		fn:       fn,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval > 0 {
		go s.run()
	} else {
		close(s.done)
	}
	return s
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(context.Background()); err != nil {
				slog.Error("scheduled task failed", "task", s.name, "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// RunOnce executes the task immediately. Only one run is in flight at a time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fn(ctx)
	status := "success"
	if err != nil {
		status = "failure"
	}
	runsTotal.WithLabelValues(s.name, status).Inc()
	return err
}

// Shutdown stops the ticker and waits for an in-flight run to finish. It is
// safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
