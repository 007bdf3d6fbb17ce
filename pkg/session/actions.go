package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/types"
)

// OS environment variable names injected into action subprocesses
const (
	envSessionActionID = "DEADLINE_SESSIONACTION_ID"
	envTaskID          = "DEADLINE_TASK_ID"
)

// startNextAction dequeues and starts the next queued action. The caller
// holds both the update lock and the current-action lock.
//
// A dequeue failure fails that action and aborts the remaining
// non-ENV_EXIT actions as FAILED.
func (s *Session) startNextAction(ctx context.Context) {
	action, err := s.queue.Dequeue(ctx)
	if err != nil {
		var actionErr *queue.ActionError
		if errors.As(err, &actionErr) {
			now := time.Now().UTC()
			s.report(types.SessionActionStatus{
				ID:              actionErr.ActionID,
				CompletedStatus: types.CompletedStatusFailed,
				StartTime:       &now,
				EndTime:         &now,
				Status: &types.ActionStatus{
					State:       types.ActionStateFailed,
					FailMessage: actionErr.Message,
				},
			})
			s.queue.CancelAll(
				queue.CancelOutcomeFailed,
				fmt.Sprintf("Error starting prior action %s", actionErr.ActionID),
				true,
			)
		} else {
			s.logger.Error().Err(err).Msg("Error dequeuing next action")
		}
		s.current = nil
		return
	}
	if action == nil {
		s.current = nil
		return
	}

	now := time.Now().UTC()
	s.logger.Info().
		Str("action_id", action.ID).
		Str("action_type", string(action.Type)).
		Msg("Starting action")

	s.current = &CurrentAction{Action: action, StartTime: now}
	if err := s.startAction(ctx, action); err != nil {
		s.logger.Warn().
			Err(err).
			Str("action_id", action.ID).
			Msg("Error starting action")
		s.report(types.SessionActionStatus{
			ID:              action.ID,
			CompletedStatus: types.CompletedStatusFailed,
			StartTime:       &now,
			EndTime:         &now,
			Status: &types.ActionStatus{
				State:       types.ActionStateFailed,
				FailMessage: err.Error(),
			},
		})
		s.queue.CancelAll(
			queue.CancelOutcomeFailed,
			fmt.Sprintf("Error starting prior action %s", action.ID),
			true,
		)
		s.current = nil
	}
}

// startAction dispatches the action to the runner (or the attachment
// engine for input syncs). Results arrive through status callbacks.
func (s *Session) startAction(ctx context.Context, action *queue.ResolvedAction) error {
	switch action.Type {
	case types.ActionTypeEnvEnter:
		return s.enterEnvironment(action)
	case types.ActionTypeEnvExit:
		return s.exitEnvironment(action.EnvironmentID)
	case types.ActionTypeTaskRun:
		return s.runner.RunTask(action.StepDetails.Template, action.Parameters, map[string]string{
			envSessionActionID: action.ID,
			envTaskID:          action.TaskID,
		})
	case types.ActionTypeSyncInput:
		s.startSyncInputs(ctx, action)
		return nil
	}
	return fmt.Errorf("unknown action type %q", action.Type)
}

// enterEnvironment starts the environment's onEnter action and pushes it
// on the active stack. Entered environments must eventually be exited in
// reverse order, even when the session is drained.
func (s *Session) enterEnvironment(action *queue.ResolvedAction) error {
	handle, err := s.runner.EnterEnvironment(
		action.EnvironmentID,
		action.EnvironmentDetails.Template,
		map[string]string{envSessionActionID: action.ID},
	)
	if err != nil {
		return err
	}
	s.activeEnvs = append(s.activeEnvs, ActiveEnvironment{
		Handle:   handle,
		JobEnvID: action.EnvironmentID,
	})
	return nil
}

// exitEnvironment starts the onExit action of the top-most active
// environment. Exiting a non-top environment is a programming error.
func (s *Session) exitEnvironment(jobEnvID string) error {
	if len(s.activeEnvs) == 0 || s.activeEnvs[len(s.activeEnvs)-1].JobEnvID != jobEnvID {
		stack := make([]string, 0, len(s.activeEnvs))
		for _, env := range s.activeEnvs {
			stack = append(stack, env.JobEnvID)
		}
		return fmt.Errorf(
			"environment %s is not the inner-most active environment; active environments from outer-most to inner-most: %v",
			jobEnvID, stack,
		)
	}
	top := s.activeEnvs[len(s.activeEnvs)-1]
	if err := s.runner.ExitEnvironment(top.Handle); err != nil {
		return err
	}
	s.activeEnvs = s.activeEnvs[:len(s.activeEnvs)-1]
	return nil
}
