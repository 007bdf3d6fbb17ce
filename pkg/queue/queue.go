package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/entities"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// CancelOutcome selects the terminal status posted for a canceled queued
// action
type CancelOutcome = types.CompletedStatus

const (
	CancelOutcomeNeverAttempted CancelOutcome = types.CompletedStatusNeverAttempted
	CancelOutcomeFailed         CancelOutcome = types.CompletedStatusFailed
)

// ActionError captures the action ID of an action whose job entity could
// not be resolved, so the session can fail that action cleanly
type ActionError struct {
	ActionID string
	Message  string
	Err      error
}

func (e *ActionError) Error() string { return e.Message }

func (e *ActionError) Unwrap() error { return e.Err }

// ResolvedAction is a dequeued action with its job entity details
// resolved. The Type field discriminates which detail fields are set.
type ResolvedAction struct {
	ID   string
	Type types.SessionActionType

	// ENV_ENTER and ENV_EXIT
	EnvironmentID      string
	EnvironmentDetails *entities.EnvironmentDetails

	// TASK_RUN and step-dependency syncs
	StepDetails *entities.StepDetails

	// TASK_RUN
	TaskID     string
	Parameters map[string]types.ParameterValue

	// SYNC_INPUT_JOB_ATTACHMENTS without a step
	JobAttachmentDetails *entities.JobAttachmentDetails

	// Cancel fires when the action's private cancel signal is set
	Cancel <-chan struct{}
}

type entry struct {
	action     types.SessionAction
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (e *entry) setCancel() {
	e.cancelOnce.Do(func() { close(e.cancel) })
}

// SessionActionQueue is the ordered queue of pending actions for one
// session.
//
// Replace preserves the order of the incoming action list and retains
// existing records (including their private cancel signals) for IDs
// already present. Dequeue pops the head and resolves its job entity
// just in time; there is no reordering inside a session.
type SessionActionQueue struct {
	queueID   string
	jobID     string
	sessionID string
	entities  *entities.Cache
	callback  func(types.SessionActionStatus)
	logger    zerolog.Logger

	mu      sync.Mutex
	ordered []*entry
	byID    map[string]*entry
}

// New creates an empty action queue for a session
func New(queueID, jobID, sessionID string, cache *entities.Cache, callback func(types.SessionActionStatus)) *SessionActionQueue {
	return &SessionActionQueue{
		queueID:   queueID,
		jobID:     jobID,
		sessionID: sessionID,
		entities:  cache,
		callback:  callback,
		logger:    log.WithSessionID(sessionID),
		byID:      make(map[string]*entry),
	}
}

// IsEmpty returns whether the queue has no pending actions
func (q *SessionActionQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ordered) == 0
}

// ListIdentifiers returns the entity identifiers for all pending
// actions, used for warming the job entity cache
func (q *SessionActionQueue) ListIdentifiers() []types.EntityIdentifier {
	q.mu.Lock()
	defer q.mu.Unlock()

	identifiers := make([]types.EntityIdentifier, 0, len(q.ordered))
	for _, e := range q.ordered {
		action := e.action
		switch action.ActionType {
		case types.ActionTypeEnvEnter, types.ActionTypeEnvExit:
			identifiers = append(identifiers, types.EntityIdentifier{
				EnvironmentDetails: &types.EnvironmentDetailsIdentifierFields{
					JobID:         q.jobID,
					EnvironmentID: action.EnvironmentID,
				},
			})
		case types.ActionTypeTaskRun:
			identifiers = append(identifiers, types.EntityIdentifier{
				StepDetails: &types.StepDetailsIdentifierFields{
					JobID:  q.jobID,
					StepID: action.StepID,
				},
			})
		case types.ActionTypeSyncInput:
			if action.StepID != "" {
				identifiers = append(identifiers, types.EntityIdentifier{
					StepDetails: &types.StepDetailsIdentifierFields{
						JobID:  q.jobID,
						StepID: action.StepID,
					},
				})
			} else {
				identifiers = append(identifiers, types.EntityIdentifier{
					JobAttachmentDetails: &types.JobAttachmentDetailsIdentifierFields{
						JobID: q.jobID,
					},
				})
			}
		default:
			q.logger.Error().Str("action_type", string(action.ActionType)).
				Msg("Unknown action type in the session action queue")
		}
	}
	return identifiers
}

// Replace updates the queue's actions from a fresh assignment list.
// Existing records for IDs already present are retained so that their
// cancel signals survive; records for absent IDs are dropped.
func (q *SessionActionQueue) Replace(actions []types.SessionAction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var added []string
	ordered := make([]*entry, 0, len(actions))
	keep := make(map[string]*entry, len(actions))
	for _, action := range actions {
		e, ok := q.byID[action.SessionActionID]
		if !ok {
			e = &entry{action: action, cancel: make(chan struct{})}
			added = append(added, action.SessionActionID)
		}
		keep[action.SessionActionID] = e
		ordered = append(ordered, e)
	}
	q.ordered = ordered
	q.byID = keep

	if len(added) > 0 {
		q.logger.Info().
			Strs("action_ids", added).
			Int("queued", len(q.ordered)).
			Msg("Appended new session actions")
	}
}

// Cancel removes the identified action from the queue, posts its
// terminal update, and sets its private cancel signal so any in-flight
// lazy entity fetch aborts. Unknown IDs are ignored.
func (q *SessionActionQueue) Cancel(id string, outcome CancelOutcome, message string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.byID, id)
	for i, candidate := range q.ordered {
		if candidate == e {
			q.ordered = append(q.ordered[:i], q.ordered[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	e.setCancel()

	// Start/end timestamps are provided only when the cancel is a
	// failure; NEVER_ATTEMPTED actions were never started.
	var timestamp *time.Time
	if outcome == CancelOutcomeFailed {
		now := time.Now().UTC()
		timestamp = &now
	}
	q.callback(types.SessionActionStatus{
		ID:              id,
		CompletedStatus: outcome,
		StartTime:       timestamp,
		EndTime:         timestamp,
		Status: &types.ActionStatus{
			State:       types.ActionStateFailed,
			FailMessage: message,
		},
	})
}

// CancelAll cancels every queued action with the given outcome. When
// ignoreEnvExits is true, ENV_EXIT actions are left queued so that
// entered environments are still exited during cleanup.
func (q *SessionActionQueue) CancelAll(outcome CancelOutcome, message string, ignoreEnvExits bool) {
	q.mu.Lock()
	var ids []string
	for _, e := range q.ordered {
		if ignoreEnvExits && e.action.ActionType == types.ActionTypeEnvExit {
			continue
		}
		ids = append(ids, e.action.SessionActionID)
	}
	remaining := len(q.ordered) - len(ids)
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id, outcome, message)
	}
	if len(ids) > 0 {
		q.logger.Info().
			Strs("action_ids", ids).
			Int("queued", remaining).
			Msg("Removed session actions")
	}
}

// Dequeue pops the head of the queue and resolves its job entity.
//
// Entity resolution failures return an *ActionError carrying the action
// ID; the head is still removed so the session can fail it and move on.
func (q *SessionActionQueue) Dequeue(ctx context.Context) (*ResolvedAction, error) {
	q.mu.Lock()
	if len(q.ordered) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	e := q.ordered[0]
	q.ordered = q.ordered[1:]
	delete(q.byID, e.action.SessionActionID)
	q.mu.Unlock()

	action := e.action
	resolved := &ResolvedAction{
		ID:     action.SessionActionID,
		Type:   action.ActionType,
		Cancel: e.cancel,
	}

	switch action.ActionType {
	case types.ActionTypeEnvEnter, types.ActionTypeEnvExit:
		resolved.EnvironmentID = action.EnvironmentID
		details, err := q.entities.EnvironmentDetails(ctx, action.EnvironmentID)
		if err != nil {
			return nil, q.actionError(action.SessionActionID, err)
		}
		resolved.EnvironmentDetails = details
	case types.ActionTypeTaskRun:
		details, err := q.entities.StepDetails(ctx, action.StepID)
		if err != nil {
			return nil, q.actionError(action.SessionActionID, err)
		}
		resolved.StepDetails = details
		resolved.TaskID = action.TaskID
		resolved.Parameters = action.Parameters
	case types.ActionTypeSyncInput:
		if action.StepID != "" {
			details, err := q.entities.StepDetails(ctx, action.StepID)
			if err != nil {
				return nil, q.actionError(action.SessionActionID, err)
			}
			resolved.StepDetails = details
		} else {
			details, err := q.entities.JobAttachmentDetails(ctx)
			if err != nil {
				return nil, q.actionError(action.SessionActionID, err)
			}
			resolved.JobAttachmentDetails = details
		}
	default:
		return nil, &ActionError{
			ActionID: action.SessionActionID,
			Message:  fmt.Sprintf("unknown action type %q", action.ActionType),
		}
	}
	return resolved, nil
}

func (q *SessionActionQueue) actionError(actionID string, err error) *ActionError {
	var unsupported *entities.UnsupportedSchemaError
	if errors.As(err, &unsupported) {
		return &ActionError{ActionID: actionID, Message: unsupported.Error(), Err: err}
	}
	return &ActionError{ActionID: actionID, Message: err.Error(), Err: err}
}

// WarmCache pre-fetches the given entity identifiers into the queue's
// job entity cache
func (q *SessionActionQueue) WarmCache(ctx context.Context, identifiers []types.EntityIdentifier) error {
	return q.entities.CacheEntities(ctx, identifiers)
}

// JobID returns the job the queue's actions belong to
func (q *SessionActionQueue) JobID() string {
	return q.jobID
}

// QueueID returns the remote queue the session belongs to
func (q *SessionActionQueue) QueueID() string {
	return q.queueID
}
