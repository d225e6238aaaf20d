// Package scheduler provides cron-based background jobs for SolarFlow.
//
// Its main job is sweeping stale conversation state: contacts who stopped
// replying mid-flow are reset to idle after an inactivity window so their
// next message starts fresh instead of resuming a dead conversation.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solarflow/solarflow/internal/metrics"
	"github.com/solarflow/solarflow/internal/store"
)

// Defaults for the stale-state sweep.
const (
	// DefaultSweepSchedule runs the sweep every 15 minutes.
	DefaultSweepSchedule = "*/15 * * * *"
	// DefaultStaleAfter is the inactivity window before a mid-flow contact
	// is reset to idle.
	DefaultStaleAfter = 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// AddStaleStateSweep schedules a job that resets flow states untouched for
// longer than staleAfter. Zero values pick the defaults.
func (s *Scheduler) AddStaleStateSweep(st store.Store, schedule string, staleAfter time.Duration) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	slog.Info("Stale state sweep scheduled", "schedule", schedule, "stale_after", staleAfter)
	return s.AddJob(schedule, func() {
		SweepStaleStates(st, staleAfter)
	})
}

// SweepStaleStates resets every flow state older than staleAfter. Exported
// so the API layer can trigger an immediate sweep.
func SweepStaleStates(st store.Store, staleAfter time.Duration) {
	cutoff := time.Now().Add(-staleAfter)
	stale, err := st.ListStaleFlowStates(cutoff)
	if err != nil {
		slog.Error("Stale state sweep failed to list states", "error", err)
		return
	}
	for _, state := range stale {
		if err := st.DeleteFlowState(state.ContactID); err != nil {
			slog.Error("Stale state sweep failed to reset contact", "error", err, "contactID", state.ContactID)
			continue
		}
		metrics.IncStaleReset()
		slog.Info("Reset stale flow state", "contactID", state.ContactID, "flow", state.FlowName, "step", state.CurrentStep, "updated_at", state.UpdatedAt)
	}
	if len(stale) > 0 {
		slog.Info("Stale state sweep complete", "reset", len(stale))
	}
}
