// Package cron injects scheduled starter messages into rooms so quiet
// roster corners get conversation seeds.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
)

// Job is one starter schedule: a cron expression, the target room, and the
// message content to post when due.
type Job struct {
	Schedule string `json:"schedule"`
	RoomID   int64  `json:"room_id"`
	Content  string `json:"content"`
}

// Runner evaluates starter schedules at minute granularity. A job fires at
// most once per matching minute.
type Runner struct {
	svc  *rooms.Service
	jobs []Job
	g    *gronx.Gronx
	tick time.Duration
	now  func() time.Time

	mu    sync.Mutex
	fired map[int]time.Time // job index -> minute last fired

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(svc *rooms.Service, jobs []Job) (*Runner, error) {
	g := gronx.New()
	for i, j := range jobs {
		if !g.IsValid(j.Schedule) {
			return nil, fmt.Errorf("cron: job %d: invalid schedule %q", i, j.Schedule)
		}
		if j.RoomID <= 0 {
			return nil, fmt.Errorf("cron: job %d: missing room_id", i)
		}
	}
	return &Runner{
		svc:   svc,
		jobs:  jobs,
		g:     g,
		tick:  15 * time.Second,
		now:   time.Now,
		fired: make(map[int]time.Time),
	}, nil
}

// SetClock overrides the runner clock for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Start launches the evaluation loop. No-op when there are no jobs.
func (r *Runner) Start() {
	if len(r.jobs) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runDue(r.now())
			}
		}
	}()
}

func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

// runDue fires every job whose schedule matches the current minute and that
// has not already fired in it.
func (r *Runner) runDue(now time.Time) {
	minute := now.Truncate(time.Minute)
	for i, job := range r.jobs {
		due, err := r.g.IsDue(job.Schedule, minute)
		if err != nil || !due {
			continue
		}
		r.mu.Lock()
		last, seen := r.fired[i]
		if seen && last.Equal(minute) {
			r.mu.Unlock()
			continue
		}
		r.fired[i] = minute
		r.mu.Unlock()

		if _, err := r.svc.PostMessage(job.RoomID, nil, "starter", job.Content, store.MessageStarter, nil); err != nil {
			slog.Error("cron: post starter", "room", job.RoomID, "error", err)
			continue
		}
		slog.Info("cron: starter posted", "room", job.RoomID, "schedule", job.Schedule)
	}
}
