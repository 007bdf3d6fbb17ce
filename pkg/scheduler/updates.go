package scheduler

import (
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/types"
)

// maxProgressMessageChars is the service limit on the progressMessage
// field of UpdateWorkerSchedule
const maxProgressMessageChars = 4096

// updateIdentity uniquely identifies one posted update of an action: the
// action ID plus its terminal status, or its update time while it is
// still running. The commit step removes from the pending map exactly
// the entries whose identity matches what was sent, so a newer update
// written while the request was in flight survives.
type updateIdentity struct {
	actionID string
	marker   string
}

func identityOf(status types.SessionActionStatus) updateIdentity {
	marker := string(status.CompletedStatus)
	if marker == "" && status.UpdateTime != nil {
		marker = status.UpdateTime.Format(time.RFC3339Nano)
	}
	return updateIdentity{actionID: status.ID, marker: marker}
}

// postUpdateLocked records an action status update into the pending map.
// The caller must hold updateLock.
//
// Updates are coalesced by action ID, latest wins, except that a stored
// terminal status is never overwritten by a later non-terminal one so
// the service never observes a regression.
func (s *WorkerScheduler) postUpdateLocked(status types.SessionActionStatus) {
	if existing, ok := s.pendingUpdates[status.ID]; ok {
		if existing.Terminal() && !status.Terminal() {
			return
		}
	}
	s.pendingUpdates[status.ID] = status

	if status.Terminal() {
		if s.cfg.Journal != nil {
			if err := s.cfg.Journal.RecordTerminal(status); err != nil {
				s.logger.Warn().Err(err).Str("action_id", status.ID).
					Msg("Failed to journal terminal action status")
			}
		}
		// A terminal update usually means a session went idle; heartbeat
		// promptly so the service can hand out follow-up work.
		s.wake()
	}
}

// collectUpdates snapshots the pending updates as request entries plus a
// commit function. Calling commit removes exactly the entries that were
// sent; any entry rewritten while the request was in flight is retained
// for the next heartbeat.
func (s *WorkerScheduler) collectUpdates() (map[string]api.UpdatedSessionActionInfo, func()) {
	s.updateLock.Lock()
	updates := make(map[string]api.UpdatedSessionActionInfo, len(s.pendingUpdates))
	tx := make(map[updateIdentity]bool, len(s.pendingUpdates))
	for actionID, status := range s.pendingUpdates {
		updates[actionID] = updateToWire(status)
		tx[identityOf(status)] = true
	}
	s.updateLock.Unlock()

	commit := func() {
		s.updateLock.Lock()
		var acknowledged []string
		for actionID, status := range s.pendingUpdates {
			if tx[identityOf(status)] {
				delete(s.pendingUpdates, actionID)
				if status.Terminal() {
					acknowledged = append(acknowledged, actionID)
				}
			}
		}
		s.updateLock.Unlock()

		if len(acknowledged) > 0 && s.cfg.Journal != nil {
			if err := s.cfg.Journal.Acknowledge(acknowledged); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to acknowledge journaled statuses")
			}
		}
	}
	return updates, commit
}

// updateToWire converts an accumulated status into the request shape
func updateToWire(status types.SessionActionStatus) api.UpdatedSessionActionInfo {
	update := api.UpdatedSessionActionInfo{
		StartedAt: status.StartTime,
		EndedAt:   status.EndTime,
	}
	if status.CompletedStatus != "" {
		update.CompletedStatus = status.CompletedStatus
	} else if status.UpdateTime != nil {
		update.UpdatedAt = status.UpdateTime
	}
	if inner := status.Status; inner != nil {
		if inner.ExitCode != nil {
			update.ProcessExitCode = inner.ExitCode
		}
		if status.CompletedStatus != "" {
			if inner.FailMessage != "" {
				update.ProgressMessage = inner.FailMessage
			} else if inner.StatusMessage != "" {
				update.ProgressMessage = inner.StatusMessage
			}
		} else if inner.StatusMessage != "" {
			update.ProgressMessage = inner.StatusMessage
		}
		if inner.Progress != nil {
			percent := *inner.Progress
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			update.ProgressPercent = &percent
		}
	}
	if len(update.ProgressMessage) > maxProgressMessageChars {
		update.ProgressMessage = update.ProgressMessage[:maxProgressMessageChars]
	}
	return update
}

// failAllActions marks every action of an assignment FAILED (the first)
// or NEVER_ATTEMPTED (the rest) with the given error message. Used when
// a session cannot even be started.
func (s *WorkerScheduler) failAllActions(assignment types.AssignedSession, errorMessage string) {
	now := time.Now().UTC()
	s.updateLock.Lock()
	for i, action := range assignment.SessionActions {
		completed := types.CompletedStatusNeverAttempted
		if i == 0 {
			completed = types.CompletedStatusFailed
		}
		s.postUpdateLocked(types.SessionActionStatus{
			ID:              action.SessionActionID,
			CompletedStatus: completed,
			StartTime:       &now,
			EndTime:         &now,
			Status: &types.ActionStatus{
				State:       types.ActionStateFailed,
				FailMessage: errorMessage,
			},
		})
	}
	s.updateLock.Unlock()
	s.wake()
}

// HandleActionUpdate is the report callback handed to sessions and
// queues. The caller must hold updateLock (sessions do, by contract).
func (s *WorkerScheduler) HandleActionUpdate(status types.SessionActionStatus) {
	s.postUpdateLocked(status)
}

// HandleActionUpdateGuarded records an update while acquiring the update
// lock itself. Used by callers outside the session locking discipline
// (e.g. re-queuing journaled statuses at startup).
func (s *WorkerScheduler) HandleActionUpdateGuarded(status types.SessionActionStatus) {
	s.updateLock.Lock()
	s.postUpdateLocked(status)
	s.updateLock.Unlock()
}
