package session

import (
	"fmt"
	"time"

	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/types"
)

// UpdateAction is the callback invoked on every runner status/progress
// update and on the completion of the current action.
//
// Lock acquisition order is important: the scheduler-owned update lock
// first, then the session's current-action lock.
func (s *Session) UpdateAction(status types.ActionStatus) {
	now := time.Now().UTC()
	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	s.currentActionMu.Lock()
	defer s.currentActionMu.Unlock()
	s.actionUpdatedLocked(status, now)
}

// actionUpdatedLocked requires both locks held.
func (s *Session) actionUpdatedLocked(status types.ActionStatus, now time.Time) {
	// When the current action was interrupted its stop-initiated status
	// was already reported; runner updates for it are suppressed. Only
	// internal state is reset once the action reaches a terminal state.
	if s.interrupted {
		if status.State.Terminal() {
			s.current = nil
			s.interrupted = false
		}
		return
	}

	current := s.current
	if current == nil {
		// Only reachable while stopping; the update belongs to an action
		// that was already concluded.
		return
	}

	isUnsuccessful := status.State == types.ActionStateFailed ||
		status.State == types.ActionStateCanceled ||
		status.State == types.ActionStateTimeout

	if status.State == types.ActionStateSuccess &&
		current.Action.Type == types.ActionTypeTaskRun &&
		s.assetSync != nil {
		// Output attachments are bundled with the task-run action: the
		// sync runs after the task succeeds and both must succeed for
		// the action to be SUCCEEDED.
		go s.syncOutputsAndComplete(current, status)
		return
	}

	s.handleActionUpdateLocked(isUnsuccessful, status, current, now)
}

// handleActionUpdateLocked requires both locks held.
func (s *Session) handleActionUpdateLocked(isUnsuccessful bool, status types.ActionStatus, current *CurrentAction, now time.Time) {
	if isUnsuccessful {
		failMessage := status.FailMessage
		if failMessage == "" {
			failMessage = fmt.Sprintf("Action %s failed", current.Action.ID)
		}
		// Pending actions become NEVER_ATTEMPTED, except ENV_EXITs which
		// must still run.
		s.queue.CancelAll(queue.CancelOutcomeNeverAttempted, failMessage, true)
	}

	if status.State.Terminal() {
		// Clear before reporting so the scheduler can observe an idle
		// session and heartbeat immediately.
		s.current = nil
	}

	completedStatus, _ := types.CompletedStatusForState(status.State)
	update := types.SessionActionStatus{
		ID:              current.Action.ID,
		Status:          &status,
		StartTime:       &current.StartTime,
		CompletedStatus: completedStatus,
	}
	if status.State.Terminal() {
		update.EndTime = &now
	} else {
		update.UpdateTime = &now
	}
	s.report(update)

	if completedStatus != "" {
		metrics.ActionsCompleted.WithLabelValues(string(completedStatus)).Inc()
		metrics.ActionDuration.WithLabelValues(string(current.Action.Type)).Observe(now.Sub(current.StartTime).Seconds())
		s.logger.Info().
			Str("action_id", current.Action.ID).
			Str("completed_status", string(completedStatus)).
			Msg("Action completed")
		if s.broker != nil {
			eventType := events.EventActionCompleted
			if completedStatus != types.CompletedStatusSucceeded {
				eventType = events.EventActionFailed
			}
			s.broker.Publish(&events.Event{
				Type: eventType,
				Metadata: map[string]string{
					"session_id": s.id,
					"action_id":  current.Action.ID,
					"status":     string(completedStatus),
				},
			})
		}
	}
}

// syncOutputsAndComplete uploads output attachments after a successful
// task run and then completes the action under both locks
func (s *Session) syncOutputsAndComplete(current *CurrentAction, status types.ActionStatus) {
	isUnsuccessful := false
	if err := s.syncAssetOutputs(current); err != nil {
		failMessage := fmt.Sprintf(
			"Failed to sync job output attachments for %s: %v",
			current.Action.ID, err,
		)
		s.logger.Warn().Msg(failMessage)
		status = types.ActionStatus{
			State:       types.ActionStateFailed,
			FailMessage: failMessage,
		}
		isUnsuccessful = true
	}

	// The action completes at the moment the synchronization finished
	now := time.Now().UTC()
	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	s.currentActionMu.Lock()
	defer s.currentActionMu.Unlock()
	if s.interrupted {
		s.current = nil
		s.interrupted = false
		return
	}
	s.handleActionUpdateLocked(isUnsuccessful, status, current, now)
}
