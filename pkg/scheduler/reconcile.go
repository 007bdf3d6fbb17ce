package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/attachments"
	"github.com/cuemby/farmhand/pkg/credentials"
	"github.com/cuemby/farmhand/pkg/entities"
	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/logsync"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/runner"
	"github.com/cuemby/farmhand/pkg/session"
	"github.com/cuemby/farmhand/pkg/types"
)

// updateSessions reconciles the local session set against a heartbeat
// response: removed sessions are torn down, queue credentials with no
// remaining sessions are released, new sessions are created, and
// existing sessions receive cancellations, action-list replacements,
// and log parameter updates.
func (s *WorkerScheduler) updateSessions(ctx context.Context, response *api.UpdateWorkerScheduleResponse) {
	assigned := response.AssignedSessions
	s.removeFinishedSessions(assigned)
	s.cleanupQueueCredentials(assigned)
	created := s.createNewSessions(ctx, assigned)
	existing := make(map[string]types.AssignedSession, len(assigned))
	for sessionID, assignment := range assigned {
		if !created[sessionID] {
			existing[sessionID] = assignment
		}
	}
	s.updateExistingSessions(existing, response.CancelSessionActions)
	s.updateSessionLogging(existing)
}

// removeFinishedSessions tears down sessions the service no longer
// assigns. The current action (if any) is stopped with zero grace, and
// removal waits for cleanup so that a session is never resurrected
// mid-teardown.
func (s *WorkerScheduler) removeFinishedSessions(assigned map[string]types.AssignedSession) {
	s.sessionsMu.Lock()
	var removed []*schedulerSession
	var removedIDs []string
	for sessionID, entry := range s.sessions {
		if _, ok := assigned[sessionID]; !ok {
			removed = append(removed, entry)
			removedIDs = append(removedIDs, sessionID)
		}
	}
	for _, sessionID := range removedIDs {
		delete(s.sessions, sessionID)
	}
	s.sessionsMu.Unlock()

	for i, entry := range removed {
		zero := time.Duration(0)
		entry.session.Stop(types.CompletedStatusFailed, &zero, "")
		// The service only removes a session once it has acknowledged
		// all of its action updates, so cleanup here is quick; wait for
		// it to fully finish before continuing.
		entry.session.Wait(nil)
		s.teardownSession(entry)
		s.logger.Info().Str("session_id", removedIDs[i]).Msg("Session removed")
		if s.cfg.Events != nil {
			s.cfg.Events.Publish(&events.Event{
				Type:     events.EventSessionRemoved,
				Metadata: map[string]string{"session_id": removedIDs[i]},
			})
		}
	}
	metrics.SessionsRunning.Set(float64(s.sessionCount()))
}

func (s *WorkerScheduler) sessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// teardownSession releases the session's log resources and user
// registration after its run loop has fully finished
func (s *WorkerScheduler) teardownSession(entry *schedulerSession) {
	s.userCleanup.Deregister(entry.session)
	if entry.sessionLog != nil {
		entry.sessionLog.Close()
	}
	if entry.streamWriter != nil {
		entry.streamWriter.Close()
	}
}

// cleanupQueueCredentials releases queue credentials whose queue no
// longer has assigned sessions
func (s *WorkerScheduler) cleanupQueueCredentials(assigned map[string]types.AssignedSession) {
	s.queueCredsMu.Lock()
	defer s.queueCredsMu.Unlock()
	if len(s.queueCreds) == 0 {
		return
	}
	assignedQueues := make(map[string]bool, len(assigned))
	for _, assignment := range assigned {
		assignedQueues[assignment.QueueID] = true
	}
	for key, credSet := range s.queueCreds {
		queueID := queueIDFromCredKey(key)
		if !assignedQueues[queueID] {
			if err := credSet.source.Cleanup(); err != nil {
				s.logger.Warn().Err(err).Str("queue_id", queueID).
					Msg("Failed to clean up queue credentials")
			}
			delete(s.queueCreds, key)
			s.logger.Debug().Str("queue_id", queueID).Msg("Deleted queue credentials")
		}
	}
}

func credKey(queueID, roleARN string) string {
	return queueID + ":" + roleARN
}

func queueIDFromCredKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// createNewSessions starts sessions that appeared in the schedule.
// Every startup failure marks the assignment's actions FAILED and
// NEVER_ATTEMPTED so the next heartbeat reports them; the service will
// retry by reassigning.
func (s *WorkerScheduler) createNewSessions(ctx context.Context, assigned map[string]types.AssignedSession) map[string]bool {
	created := make(map[string]bool)

	for sessionID, assignment := range assigned {
		s.sessionsMu.Lock()
		_, exists := s.sessions[sessionID]
		s.sessionsMu.Unlock()
		if exists {
			continue
		}
		created[sessionID] = true

		logger := s.logger.With().Str("session_id", sessionID).Logger()

		// Local log file
		var sessionLogFile string
		if s.cfg.WorkerLogsDir != "" {
			var err error
			sessionLogFile, err = logsync.ProvisionSessionLogFile(s.cfg.WorkerLogsDir, assignment.QueueID, sessionID)
			if err != nil {
				s.failAllActions(assignment, err.Error())
				logger.Error().Err(err).Msg("Failed to provision session log file")
				continue
			}
		}

		// Remote log configuration
		logConfig, err := logsync.NewSessionLogConfig(assignment.LogConfiguration, sessionLogFile)
		if err != nil {
			s.failAllActions(assignment, err.Error())
			logger.Warn().Err(err).Msg("Session log configuration rejected")
			continue
		}

		// Job details via the entity cache
		cache := entities.NewCache(s.cfg.Client, s.cfg.Identity, assignment.JobID)
		jobDetails, err := cache.JobDetails(ctx)
		if err != nil {
			s.failAllActions(assignment, err.Error())
			logger.Warn().Err(err).Msg("Failed to fetch job details")
			continue
		}

		osUser := s.resolveOSUser(jobDetails)

		// Queue credentials and the attachment engine
		var queueCredSet *queueCredentialSet
		var credKeyUsed string
		if jobDetails.QueueRoleARN != "" {
			queueCredSet, err = s.getQueueCredentials(ctx, assignment.QueueID, jobDetails.QueueRoleARN, sessionID, osUser)
			if err != nil {
				message := fmt.Sprintf("Unrecoverable error trying to obtain AWS Credentials for the Queue Role: %v", err)
				s.failAllActions(assignment, message)
				logger.Warn().Msg(message)
				continue
			}
			if queueCredSet == nil {
				logger.Warn().Msg("Could not obtain AWS Credentials for the Session")
			} else {
				credKeyUsed = credKey(assignment.QueueID, jobDetails.QueueRoleARN)
			}
		} else {
			logger.Info().Msg("Job has no Queue Role; not obtaining AWS Credentials for the Session")
		}

		var assetSync attachments.Engine
		if queueCredSet != nil && s.cfg.AttachmentFactory != nil {
			assetSync = s.cfg.AttachmentFactory(assignment.QueueID, queueCredSet.source.Slot())
		}

		// A queue configured for attachments without a working engine
		// fails fast to surface the problem clearly
		settings := jobDetails.JobAttachmentSettings
		attachmentsConfigured := settings != nil && (settings.S3BucketName != "" || settings.RootPrefix != "")
		if attachmentsConfigured && assetSync == nil {
			var failMessage string
			if jobDetails.QueueRoleARN != "" {
				failMessage = fmt.Sprintf("Failed to obtain credentials for Role %s", jobDetails.QueueRoleARN)
			} else {
				failMessage = "Misconfiguration. Job Attachments are provided, but the Queue has no IAM Role."
			}
			s.failAllActions(assignment, failMessage)
			logger.Warn().Msg(failMessage)
			continue
		}

		// Session OS environment
		env := map[string]string{
			"DEADLINE_SESSION_ID": sessionID,
			"DEADLINE_FARM_ID":    s.cfg.Identity.FarmID,
			"DEADLINE_QUEUE_ID":   assignment.QueueID,
			"DEADLINE_JOB_ID":     assignment.JobID,
			"DEADLINE_FLEET_ID":   s.cfg.Identity.FleetID,
			"DEADLINE_WORKER_ID":  s.cfg.Identity.WorkerID,
		}
		if queueCredSet != nil {
			env["AWS_PROFILE"] = queueCredSet.source.ProfileName()
		}

		// Log destinations
		var streamWriter *logsync.StreamWriter
		if s.cfg.LogClient != nil {
			streamWriter = logsync.NewStreamWriter(s.cfg.LogClient, logConfig.LogGroup, logConfig.LogStream)
		}
		sessionLog, err := logsync.NewSessionLogger(sessionLogFile, streamWriter)
		if err != nil {
			if streamWriter != nil {
				streamWriter.Close()
			}
			s.failAllActions(assignment, err.Error())
			logger.Error().Err(err).Msg("Failed to open session log")
			continue
		}

		// The runner's status callback feeds the session, which is
		// created right after the runner
		var sess *session.Session
		sessionRunner, err := s.cfg.RunnerFactory(runner.Config{
			SessionID:        sessionID,
			OSUser:           osUser,
			Env:              env,
			LogWriter:        sessionLog,
			Callback:         func(status types.ActionStatus) { sess.UpdateAction(status) },
			RootDir:          s.cfg.SessionRootDir,
			RetainWorkingDir: s.cfg.RetainSessionDirs,
		})
		if err != nil {
			sessionLog.Close()
			if streamWriter != nil {
				streamWriter.Close()
			}
			s.failAllActions(assignment, err.Error())
			logger.Error().Err(err).Msg("Failed to create session runner")
			continue
		}

		actionQueue := queue.New(assignment.QueueID, assignment.JobID, sessionID, cache, s.HandleActionUpdate)
		actionQueue.Replace(assignment.SessionActions)
		logger.Debug().Int("actions", len(assignment.SessionActions)).Msg("Assigned actions")

		sess = session.New(session.Config{
			ID:             sessionID,
			QueueID:        assignment.QueueID,
			JobID:          assignment.JobID,
			Queue:          actionQueue,
			Runner:         sessionRunner,
			AssetSync:      assetSync,
			JobDetails:     jobDetails,
			Env:            env,
			OSUser:         osUser,
			ReportCallback: s.HandleActionUpdate,
			UpdateLock:     &s.updateLock,
			Events:         s.cfg.Events,
		})

		entry := &schedulerSession{
			session:      sess,
			queue:        actionQueue,
			cache:        cache,
			logConfig:    logConfig,
			sessionLog:   sessionLog,
			streamWriter: streamWriter,
			queueCredKey: credKeyUsed,
		}
		s.sessionsMu.Lock()
		s.sessions[sessionID] = entry
		s.sessionsMu.Unlock()
		s.userCleanup.Register(sess)

		go func(credSet *queueCredentialSet) {
			if credSet != nil {
				credSet.refresher.Enter()
				defer credSet.refresher.Exit()
			} else {
				logger.Info().Msg("Session running with no AWS Credentials")
			}
			sess.Run(ctx)
			s.wake()
		}(queueCredSet)

		logger.Info().Str("queue_id", assignment.QueueID).Str("job_id", assignment.JobID).
			Msg("Session created")
		if s.cfg.Events != nil {
			s.cfg.Events.Publish(&events.Event{
				Type: events.EventSessionCreated,
				Metadata: map[string]string{
					"session_id": sessionID,
					"queue_id":   assignment.QueueID,
					"job_id":     assignment.JobID,
				},
			})
		}
	}
	metrics.SessionsRunning.Set(float64(s.sessionCount()))
	return created
}

// resolveOSUser applies the run-as override ahead of the queue-configured
// user from the job details
func (s *WorkerScheduler) resolveOSUser(jobDetails *entities.JobDetails) *types.PosixUser {
	override := s.cfg.JobRunAsUserOverride
	if override.RunAsAgent {
		return nil
	}
	if override.JobUser != nil {
		return override.JobUser
	}
	if user := jobDetails.JobRunAsUser; user != nil && user.RunAs == types.RunAsQueueConfiguredUser {
		return user.Posix
	}
	return nil
}

// getQueueCredentials returns (creating if needed) the credential set
// for a queue role.
//
// Terminal errors (worker offline, unrecoverable) propagate so the
// caller fails the session. Any other failure returns nil credentials:
// the session runs without AWS credentials and the operator is warned.
func (s *WorkerScheduler) getQueueCredentials(ctx context.Context, queueID, roleARN, sessionID string, osUser *types.PosixUser) (*queueCredentialSet, error) {
	key := credKey(queueID, roleARN)
	s.queueCredsMu.Lock()
	defer s.queueCredsMu.Unlock()

	if credSet, ok := s.queueCreds[key]; ok {
		s.logger.Info().Str("session_id", sessionID).Str("queue_id", queueID).
			Msg("AWS Credentials are available for the queue")
		return credSet, nil
	}

	source, err := credentials.NewQueueSource(ctx, s.cfg.Client, s.cfg.Identity, queueID, osUser, s.cfg.PersistenceDir, s.cfg.Interrupt)
	if err != nil {
		var offline *api.WorkerOfflineError
		if errors.As(err, &offline) || api.IsUnrecoverable(err) {
			return nil, err
		}
		// Non-terminal: run the session without credentials
		return nil, nil
	}

	refresher, err := credentials.NewRefresher(credentials.RefresherConfig{
		Identifier:      fmt.Sprintf("Queue %s Credentials for Role %s", queueID, roleARN),
		Source:          source,
		FailureCallback: s.queueCredentialsRefreshFailed,
		Interrupt:       s.cfg.Interrupt,
	})
	if err != nil {
		return nil, err
	}

	credSet := &queueCredentialSet{source: source, refresher: refresher}
	s.queueCreds[key] = credSet
	s.logger.Debug().Str("queue_id", queueID).Str("role_arn", roleARN).
		Msg("Created new AWS Credentials for the queue")
	return credSet, nil
}

// queueCredentialsRefreshFailed stops all in-flight sessions when a
// queue credential refresh fails fatally
func (s *WorkerScheduler) queueCredentialsRefreshFailed(err error) {
	var conditionally *api.ConditionallyRecoverableError
	if errors.As(err, &conditionally) {
		s.logger.Warn().Err(err).Msg("Queue credential refresh failed; will keep retrying")
		return
	}
	s.logger.Error().Err(err).Msg("Fatal error refreshing queue credentials; stopping sessions")
	message := "Fatal error attempting to refresh AWS Credentials for the Queue. Please see logs for details."

	s.sessionsMu.Lock()
	sessions := make([]*schedulerSession, 0, len(s.sessions))
	for _, entry := range s.sessions {
		sessions = append(sessions, entry)
	}
	s.sessionsMu.Unlock()

	for _, entry := range sessions {
		// No grace: cancels follow each action's own notify period
		entry.session.Stop(types.CompletedStatusFailed, nil, message)
	}
	for _, entry := range sessions {
		entry.session.Wait(nil)
	}
}

// updateExistingSessions applies service-requested cancellations and the
// fresh action lists to sessions that already exist
func (s *WorkerScheduler) updateExistingSessions(assigned map[string]types.AssignedSession, canceled map[string][]string) {
	for sessionID, assignment := range assigned {
		s.sessionsMu.Lock()
		entry, ok := s.sessions[sessionID]
		s.sessionsMu.Unlock()
		if !ok {
			s.logger.Warn().Str("session_id", sessionID).Msg("No session found")
			continue
		}

		s.updateLock.Lock()
		// 1. cancel in-flight actions, skipping any that already have a
		// pending terminal status
		if cancelIDs := canceled[sessionID]; len(cancelIDs) > 0 {
			filtered := make([]string, 0, len(cancelIDs))
			for _, actionID := range cancelIDs {
				if update, ok := s.pendingUpdates[actionID]; ok && update.Terminal() {
					continue
				}
				filtered = append(filtered, actionID)
			}
			entry.session.CancelActions(filtered)
		}

		// 2. replace the queued actions, dropping any the worker has
		// already concluded
		actions := make([]types.SessionAction, 0, len(assignment.SessionActions))
		for _, action := range assignment.SessionActions {
			if update, ok := s.pendingUpdates[action.SessionActionID]; ok && update.Terminal() {
				continue
			}
			actions = append(actions, action)
		}
		entry.session.ReplaceAssignedActions(actions)
		s.updateLock.Unlock()
	}
}

// updateSessionLogging applies run-time log parameter changes from the
// heartbeat's assignments
func (s *WorkerScheduler) updateSessionLogging(assigned map[string]types.AssignedSession) {
	for sessionID, assignment := range assigned {
		s.sessionsMu.Lock()
		entry, ok := s.sessions[sessionID]
		s.sessionsMu.Unlock()
		if !ok || assignment.LogConfiguration == nil {
			continue
		}
		entry.logConfig.UpdateParameters(assignment.LogConfiguration.Parameters)
	}
}
