package session

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/attachments"
	"github.com/cuemby/farmhand/pkg/entities"
	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/runner"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// runLoopPollInterval is how often the run loop checks for a startable
// action
const runLoopPollInterval = 100 * time.Millisecond

// monitorPollInterval is how often cleanup polls the runner for the
// in-flight action's status
const monitorPollInterval = 300 * time.Millisecond

// CurrentAction is the at-most-one active action within a session
type CurrentAction struct {
	Action    *queue.ResolvedAction
	StartTime time.Time
}

// ActiveEnvironment pairs the runner's environment handle with the job
// environment ID. Entered environments are pushed and must be exited in
// reverse (LIFO) order.
type ActiveEnvironment struct {
	Handle   runner.EnvironmentHandle
	JobEnvID string
}

// Config assembles a session's collaborators
type Config struct {
	ID         string
	QueueID    string
	JobID      string
	Queue      *queue.SessionActionQueue
	Runner     runner.Runner
	AssetSync  attachments.Engine
	JobDetails *entities.JobDetails
	Env        map[string]string
	OSUser     *types.PosixUser

	// ReportCallback posts an action status update to the scheduler's
	// pending-update map. It must be called with UpdateLock held.
	ReportCallback func(types.SessionActionStatus)

	// UpdateLock is the scheduler-owned lock protecting the
	// pending-updates map. Lock order is always UpdateLock before the
	// session's current-action lock.
	UpdateLock *sync.Mutex

	Events *events.Broker
}

// Session runs one SessionAssignment to completion. It maintains the
// environment stack and the single in-flight action, translating runner
// status callbacks into service status updates.
type Session struct {
	id         string
	queueID    string
	jobID      string
	queue      *queue.SessionActionQueue
	runner     runner.Runner
	assetSync  attachments.Engine
	jobDetails *entities.JobDetails
	env        map[string]string
	osUser     *types.PosixUser
	report     func(types.SessionActionStatus)
	broker     *events.Broker
	logger     zerolog.Logger

	// updateLock is scheduler-owned; currentActionMu is session-owned.
	// Acquisition order is strictly updateLock then currentActionMu.
	updateLock      *sync.Mutex
	currentActionMu sync.Mutex

	current     *CurrentAction
	activeEnvs  []ActiveEnvironment
	interrupted bool

	pathMappingRules     []types.PathMappingRule
	jobAttachmentDetails *entities.JobAttachmentDetails

	stopOnce        sync.Once
	stop            chan struct{}
	stopResult      types.CompletedStatus
	stopGrace       *time.Duration
	stopFailMessage string
	stopMu          sync.Mutex

	// stopped is closed once the run loop and cleanup have finished
	stopped     chan struct{}
	stoppedOnce sync.Once

	// syncCancel is the private cancel signal of an in-flight input sync
	syncCancel     chan struct{}
	syncCancelOnce *sync.Once
}

// New creates a session ready to run
func New(cfg Config) *Session {
	s := &Session{
		id:         cfg.ID,
		queueID:    cfg.QueueID,
		jobID:      cfg.JobID,
		queue:      cfg.Queue,
		runner:     cfg.Runner,
		assetSync:  cfg.AssetSync,
		jobDetails: cfg.JobDetails,
		env:        cfg.Env,
		osUser:     cfg.OSUser,
		report:     cfg.ReportCallback,
		broker:     cfg.Events,
		logger:     log.WithSessionID(cfg.ID),
		updateLock: cfg.UpdateLock,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		stopResult: types.CompletedStatusFailed,
	}
	if cfg.JobDetails != nil {
		s.pathMappingRules = append(s.pathMappingRules, cfg.JobDetails.PathMappingRules...)
		sortPathMappingRules(s.pathMappingRules)
	}
	return s
}

// ID returns the unique session ID
func (s *Session) ID() string {
	return s.id
}

// OSUser returns the session's OS user, or nil when actions run as the
// agent user
func (s *Session) OSUser() *types.PosixUser {
	return s.osUser
}

// Run executes the session until Stop is called from another thread.
// Cleanup always runs before Run returns.
func (s *Session) Run(ctx context.Context) {
	s.warmEntityCache(ctx)

	s.logger.Info().Msg("Session started")
	defer func() {
		if err := recoverCleanup(s.cleanup); err != nil {
			s.logger.Error().Err(err).Msg("Unexpected error during session cleanup")
		}
		s.stoppedOnce.Do(func() { close(s.stopped) })
		s.logger.Info().Msg("Session complete")
	}()

	ticker := time.NewTicker(runLoopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateLock.Lock()
			s.currentActionMu.Lock()
			if s.current == nil {
				s.startNextAction(ctx)
			}
			s.currentActionMu.Unlock()
			s.updateLock.Unlock()
		}
	}
}

func recoverCleanup(cleanup func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			}
		}
	}()
	cleanup()
	return nil
}

// warmEntityCache pre-fetches the job entities for all queued actions.
// Failures are logged only; each action re-resolves on dequeue.
func (s *Session) warmEntityCache(ctx context.Context) {
	identifiers := s.queue.ListIdentifiers()
	if len(identifiers) == 0 {
		return
	}
	s.logger.Info().Msg("Warming job entity cache")
	if err := s.queue.WarmCache(ctx, identifiers); err != nil {
		s.logger.Warn().Err(err).Msg("Did not fully warm job entity cache, continuing")
		return
	}
	s.logger.Info().Msg("Fully warmed job entity cache")
}

// Stop asynchronously stops the session.
//
// currentActionResult is the terminal status reported for an actively
// running action (INTERRUPTED during drains, FAILED otherwise).
// graceTime bounds cleanup; past it the active action is force
// terminated and remaining environments stay active.
func (s *Session) Stop(currentActionResult types.CompletedStatus, graceTime *time.Duration, failMessage string) {
	s.stopMu.Lock()
	s.stopResult = currentActionResult
	s.stopGrace = graceTime
	s.stopFailMessage = failMessage
	s.stopMu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until the session has fully finished cleanup, or until the
// timeout elapses. A nil timeout waits indefinitely. Returns false on
// timeout.
func (s *Session) Wait(timeout *time.Duration) bool {
	if timeout == nil {
		<-s.stopped
		return true
	}
	select {
	case <-s.stopped:
		return true
	case <-time.After(*timeout):
		return false
	}
}

// Idle reports whether the session has no running and no queued actions
func (s *Session) Idle() bool {
	s.currentActionMu.Lock()
	defer s.currentActionMu.Unlock()
	return s.current == nil && s.queue.IsEmpty()
}

// ReplaceAssignedActions replaces the queue contents from a fresh
// assignment, filtering out the currently running action. Cancellations
// must be applied via CancelActions before calling this.
func (s *Session) ReplaceAssignedActions(actions []types.SessionAction) {
	s.currentActionMu.Lock()
	defer s.currentActionMu.Unlock()

	runningID := ""
	if s.current != nil {
		runningID = s.current.Action.ID
	}
	filtered := make([]types.SessionAction, 0, len(actions))
	for _, action := range actions {
		if action.SessionActionID != runningID {
			filtered = append(filtered, action)
		}
	}
	s.queue.Replace(filtered)
}

// CancelActions cancels the identified running action(s). The caller
// must hold the scheduler's update lock. Queued actions are not canceled
// individually; they resolve as NEVER_ATTEMPTED when the running action
// completes as canceled.
func (s *Session) CancelActions(actionIDs []string) {
	s.currentActionMu.Lock()
	defer s.currentActionMu.Unlock()
	for _, id := range actionIDs {
		if s.current != nil && s.current.Action.ID == id {
			s.startCancelingCurrentAction(nil)
		}
	}
}

// startCancelingCurrentAction initiates cancellation of the in-flight
// action; the terminal status arrives asynchronously
func (s *Session) startCancelingCurrentAction(timeLimit *time.Duration) {
	current := s.current
	if current == nil {
		return
	}
	s.logger.Info().Str("action_id", current.Action.ID).Msg("Canceling action")
	s.cancelAction(current, timeLimit)
}

func (s *Session) cancelAction(current *CurrentAction, timeLimit *time.Duration) {
	if current.Action.Type == types.ActionTypeSyncInput {
		if s.syncCancelOnce != nil {
			cancel := s.syncCancel
			s.syncCancelOnce.Do(func() { close(cancel) })
		}
		return
	}
	if err := s.runner.CancelAction(timeLimit); err != nil {
		s.logger.Warn().Err(err).Str("action_id", current.Action.ID).Msg("Error canceling action")
	}
}
