package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/attachments"
	"github.com/cuemby/farmhand/pkg/credentials"
	"github.com/cuemby/farmhand/pkg/entities"
	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/journal"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/logsync"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/runner"
	"github.com/cuemby/farmhand/pkg/session"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// ErrServiceShutdown is returned by Run when the service commanded the
// worker to stop via a desired STOPPED status in a heartbeat response
var ErrServiceShutdown = errors.New("the service is issuing a shutdown command")

// initialPollInterval is used until the first heartbeat response
// supplies an update interval
const initialPollInterval = 15 * time.Second

// AttachmentFactory builds the attachment engine for a session using the
// queue's credentials. A nil factory (or nil return) runs sessions
// without attachment support.
type AttachmentFactory func(queueID string, creds *credentials.Slot) attachments.Engine

// JobRunAsUserOverride forces sessions to run as the agent user or as a
// fixed OS user instead of the queue-configured user
type JobRunAsUserOverride struct {
	RunAsAgent bool
	JobUser    *types.PosixUser
}

// Config assembles a WorkerScheduler
type Config struct {
	Client   api.Client
	Identity types.WorkerIdentity

	RunnerFactory     runner.Factory
	AttachmentFactory AttachmentFactory

	// LogClient ships session logs to the remote log service; nil keeps
	// session logs local-only
	LogClient logsync.Client

	// WorkerLogsDir is where local session logs are written
	// (<dir>/<queue_id>/<session_id>.log); empty disables local logs
	WorkerLogsDir string

	// PersistenceDir holds worker state, credential caches, and queue
	// credential installations
	PersistenceDir string

	// SessionRootDir is where session working directories are created
	SessionRootDir string

	JobRunAsUserOverride        JobRunAsUserOverride
	CleanupSessionUserProcesses bool
	RetainSessionDirs           bool

	Journal *journal.Journal
	Events  *events.Broker

	// Interrupt, when closed, interrupts in-flight service calls made
	// by the scheduler loop (it is the worker-level stop signal)
	Interrupt <-chan struct{}
}

// schedulerSession bundles the per-session state the scheduler tracks
type schedulerSession struct {
	session      *session.Session
	queue        *queue.SessionActionQueue
	cache        *entities.Cache
	logConfig    *logsync.SessionLogConfig
	sessionLog   *logsync.SessionLogger
	streamWriter *logsync.StreamWriter
	queueCredKey string
}

// queueCredentialSet holds the credentials of one queue role plus the
// refresher keeping them fresh while sessions use them
type queueCredentialSet struct {
	source    *credentials.QueueSource
	refresher *credentials.Refresher
}

// WorkerScheduler reconciles the local session set against the service
// schedule through the UpdateWorkerSchedule heartbeat, transports action
// status updates, and drives drain and shutdown.
type WorkerScheduler struct {
	cfg    Config
	logger zerolog.Logger

	// updateLock guards the pending-updates map. It is shared with
	// every session; lock order is updateLock before any session's
	// current-action lock.
	updateLock     sync.Mutex
	pendingUpdates map[string]types.SessionActionStatus

	sessionsMu sync.Mutex
	sessions   map[string]*schedulerSession

	queueCredsMu sync.Mutex
	queueCreds   map[string]*queueCredentialSet

	wakeup chan struct{}

	shutdownOnce        sync.Once
	shutdownCh          chan struct{}
	shutdownMu          sync.Mutex
	shutdownGrace       *time.Duration
	shutdownFailMessage string

	userCleanup *SessionUserCleanupManager
}

// New creates a WorkerScheduler
func New(cfg Config) *WorkerScheduler {
	return &WorkerScheduler{
		cfg:            cfg,
		logger:         log.WithComponent("scheduler"),
		pendingUpdates: make(map[string]types.SessionActionStatus),
		sessions:       make(map[string]*schedulerSession),
		queueCreds:     make(map[string]*queueCredentialSet),
		wakeup:         make(chan struct{}, 1),
		shutdownCh:     make(chan struct{}),
		userCleanup:    NewSessionUserCleanupManager(cfg.CleanupSessionUserProcesses),
	}
}

// Run executes the heartbeat loop until stopped.
//
// It returns nil on a graceful worker-initiated drain, ErrServiceShutdown
// when the service commanded the stop, and propagates any fatal error
// from the heartbeat. The drain sequence always runs before returning.
func (s *WorkerScheduler) Run(ctx context.Context) (err error) {
	interval := initialPollInterval

	defer func() {
		s.drain(ctx, err)
	}()

	for !s.isShutdown() {
		s.drainWakeup()

		interval, err = s.sync(ctx, true)
		if errors.Is(err, api.ErrInterrupted) {
			// The shutdown signal fired mid-request; drain naturally
			err = nil
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrServiceShutdown) {
				s.logger.Error().Err(err).Msg("Fatal error in worker scheduler")
			}
			return err
		}

		select {
		case <-time.After(interval):
		case <-s.wakeup:
		case <-s.shutdownCh:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// Shutdown asynchronously initiates the drain sequence. graceTime bounds
// how long in-flight work may take to wind down; failMessage is attached
// to interrupted and skipped actions.
func (s *WorkerScheduler) Shutdown(graceTime *time.Duration, failMessage string) {
	s.shutdownMu.Lock()
	s.shutdownGrace = graceTime
	s.shutdownFailMessage = failMessage
	s.shutdownMu.Unlock()

	// Order matters for the run loop's observations: the shutdown flag
	// first, then the wake.
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.wake()
}

func (s *WorkerScheduler) isShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

func (s *WorkerScheduler) wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *WorkerScheduler) drainWakeup() {
	select {
	case <-s.wakeup:
	default:
	}
}

// sync performs one heartbeat: collect pending updates, call
// UpdateWorkerSchedule, commit what was acknowledged, and reconcile the
// session set against the response.
func (s *WorkerScheduler) sync(ctx context.Context, interruptible bool) (time.Duration, error) {
	s.logger.Info().Msg("Synchronizing with the service")

	updates, commit := s.collectUpdates()
	if len(updates) > 0 {
		s.logger.Info().Int("count", len(updates)).Msg("Reporting action updates")
	}

	var interrupt <-chan struct{}
	if interruptible {
		interrupt = s.shutdownCh
	}

	timer := metrics.NewTimer()
	response, err := api.UpdateWorkerSchedule(ctx, s.cfg.Client, &api.UpdateWorkerScheduleRequest{
		FarmID:                s.cfg.Identity.FarmID,
		FleetID:               s.cfg.Identity.FleetID,
		WorkerID:              s.cfg.Identity.WorkerID,
		UpdatedSessionActions: updates,
	}, interrupt)
	timer.ObserveDuration(metrics.HeartbeatDuration)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()

	commit()

	s.updateSessions(ctx, response)

	if response.DesiredWorkerStatus == types.WorkerStatusStopped {
		s.logger.Warn().Msg("Service requested shutdown initiated")
		return 0, ErrServiceShutdown
	}

	s.logger.Info().Msg("Done synchronizing with the service")
	return time.Duration(response.UpdateIntervalSeconds) * time.Second, nil
}
