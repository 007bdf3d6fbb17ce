package session

import (
	"fmt"
	"time"

	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/types"
)

type cleanupStep struct {
	run  func() error
	desc string
}

// cleanup stops the session: the running action is canceled and its
// stop-initiated status reported, queued actions become NEVER_ATTEMPTED
// (except ENV_EXITs), active environments are exited in reverse order
// within the remaining grace, and the runner and attachment state are
// released.
func (s *Session) cleanup() {
	s.stopMu.Lock()
	stopResult := s.stopResult
	graceTime := s.stopGrace
	failMessage := s.stopFailMessage
	s.stopMu.Unlock()

	var steps []cleanupStep

	s.updateLock.Lock()
	s.currentActionMu.Lock()
	if current := s.current; current != nil {
		steps = append(steps, cleanupStep{
			run: func() error {
				s.cancelAction(current, graceTime)
				return nil
			},
			desc: "cancel running action",
		})
		s.interrupted = true
		now := time.Now().UTC()
		s.report(types.SessionActionStatus{
			ID:              current.Action.ID,
			CompletedStatus: stopResult,
			StartTime:       &current.StartTime,
			EndTime:         &now,
			Status: &types.ActionStatus{
				State:       types.ActionStateCanceled,
				FailMessage: failMessage,
			},
		})
	}
	s.currentActionMu.Unlock()
	s.queue.CancelAll(queue.CancelOutcomeNeverAttempted, failMessage, true)
	s.updateLock.Unlock()

	// Exit active environments in reverse order of entry
	for i := len(s.activeEnvs) - 1; i >= 0; i-- {
		env := s.activeEnvs[i]
		steps = append(steps, cleanupStep{
			run:  func() error { return s.runner.ExitEnvironment(env.Handle) },
			desc: fmt.Sprintf("exit environment %s", env.JobEnvID),
		})
	}
	s.activeEnvs = nil

	// Run as many cleanup steps as fit in the grace time, in order.
	// Unfinished steps are aborted; remaining ones are skipped.
	start := time.Now()
	defer func() {
		if err := s.runner.Cleanup(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to clean up session runtime")
		}
		if s.assetSync != nil {
			if err := s.assetSync.Cleanup(s.runner.WorkingDirectory()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to clean up attachment state")
			}
		}
	}()
	for _, step := range steps {
		if err := step.run(); err != nil {
			s.logger.Warn().Err(err).Msgf("Failed to %s", step.desc)
			continue
		}

		var stepTimeout *time.Duration
		if graceTime != nil {
			remaining := *graceTime - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
			stepTimeout = &remaining
		}
		if !s.monitorAction(stepTimeout) {
			s.logger.Warn().Msgf("%s timed out", step.desc)
			if err := s.runner.CancelAction(nil); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to cancel timed-out cleanup action")
			}
			break
		}
		s.logger.Info().Msgf("%s successful", step.desc)
	}
}

// monitorAction polls the runner until the in-flight action reaches a
// terminal state. Returns false when the timeout elapsed first; a nil
// timeout waits indefinitely.
func (s *Session) monitorAction(timeout *time.Duration) bool {
	start := time.Now()
	for {
		status := s.runner.ActionStatus()
		if status == nil || status.State.Terminal() {
			return true
		}
		if timeout != nil && time.Since(start) >= *timeout {
			return false
		}
		wait := monitorPollInterval
		if timeout != nil {
			if remaining := *timeout - time.Since(start); remaining < wait {
				wait = remaining
			}
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}
