package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/credentials"
	"github.com/cuemby/farmhand/pkg/hostmeta"
	"github.com/cuemby/farmhand/pkg/journal"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/logsync"
	"github.com/cuemby/farmhand/pkg/scheduler"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// signalShutdownGrace is the drain grace applied when the agent receives
// SIGTERM or SIGINT
const signalShutdownGrace = 4 * time.Second

// Worker is the top level of the agent: it owns the fleet credential
// refresher, the scheduler, and the host shutdown monitor, and it
// translates their terminations into the agent's exit disposition.
type Worker struct {
	client    api.Client
	identity  types.WorkerIdentity
	scheduler *scheduler.WorkerScheduler
	monitor   *hostmeta.Monitor
	journal   *journal.Journal
	logClient logsync.Client

	fleetSource    *credentials.WorkerSource
	fleetRefresher *credentials.Refresher

	capabilities types.Capabilities

	stop     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// New wires up a Worker. The scheduler configuration's Client, Identity,
// Journal, Events, and Interrupt fields are populated here.
func New(client api.Client, identity types.WorkerIdentity, schedulerCfg scheduler.Config, capabilities types.Capabilities, hostMetaEndpoint string, logClient logsync.Client) (*Worker, error) {
	stop := make(chan struct{})

	dataJournal, err := journal.Open(schedulerCfg.PersistenceDir)
	if err != nil {
		return nil, err
	}

	fleetSource, err := credentials.NewWorkerSource(client, identity, schedulerCfg.PersistenceDir)
	if err != nil {
		dataJournal.Close()
		return nil, err
	}

	w := &Worker{
		client:       client,
		identity:     identity,
		journal:      dataJournal,
		logClient:    logClient,
		fleetSource:  fleetSource,
		capabilities: capabilities,
		stop:         stop,
		logger:       log.WithWorkerID(identity.WorkerID),
		monitor:      hostmeta.NewMonitor(hostMetaEndpoint),
	}

	schedulerCfg.Client = client
	schedulerCfg.Identity = identity
	schedulerCfg.Journal = dataJournal
	schedulerCfg.Interrupt = stop
	w.scheduler = scheduler.New(schedulerCfg)

	w.fleetRefresher, err = credentials.NewRefresher(credentials.RefresherConfig{
		Identifier:      "Worker Agent",
		Source:          fleetSource,
		FailureCallback: w.fleetCredentialsRefreshFailed,
		Interrupt:       stop,
	})
	if err != nil {
		dataJournal.Close()
		return nil, err
	}
	return w, nil
}

// Run starts the worker and blocks until it has drained.
//
// Returns nil on a graceful drain, scheduler.ErrServiceShutdown when the
// service commanded the stop, an error wrapping
// *api.WorkerNotFoundError when the identity must be discarded and
// re-registered, and any other fatal error otherwise.
func (w *Worker) Run(ctx context.Context) error {
	defer w.journal.Close()

	// Ensure the fleet credentials are usable before transitioning to
	// STARTED
	if _, ok := w.fleetSource.Slot().Snapshot(); !ok {
		if err := w.fleetSource.RefreshCredentials(ctx); err != nil {
			return err
		}
	}

	workerLog, err := w.transitionToStarted(ctx)
	if err != nil {
		return err
	}
	w.attachWorkerLogStream(workerLog)

	// Flush any terminal statuses left over from a previous run
	w.flushJournaledStatuses()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		w.logger.Info().Str("signal", sig.String()).Msg("Received signal; initiating application shutdown")
		grace := signalShutdownGrace
		w.scheduler.Shutdown(&grace, "Worker Agent received OS signal "+sig.String())
		w.signalStop()
	}()

	w.fleetRefresher.Enter()
	defer w.fleetRefresher.Exit()

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- w.scheduler.Run(ctx) }()

	monitorDone := make(chan *hostmeta.Shutdown, 1)
	if w.monitor.Available() {
		go func() { monitorDone <- w.monitor.Run(w.stop) }()
	} else {
		w.logger.Info().Msg("Host metadata unavailable; spot interruption and lifecycle monitoring disabled")
	}

	var runErr error
	select {
	case shutdown := <-monitorDone:
		if shutdown != nil {
			w.signalStop()
			grace := shutdown.GraceTime
			w.scheduler.Shutdown(&grace, shutdown.FailMessage)
		}
		runErr = <-schedulerDone
	case runErr = <-schedulerDone:
		w.signalStop()
	}

	// Tell the service we have stopped; best effort during wind-down
	w.transitionToStopped(ctx)

	if runErr != nil && !errors.Is(runErr, scheduler.ErrServiceShutdown) {
		w.logger.Error().Err(runErr).Msg("Worker run ended with error")
	}
	w.logger.Info().Msg("Worker shutdown complete")
	return runErr
}

// transitionToStarted sets the worker STARTED with its capabilities and
// host properties, returning the service-provided log configuration for
// the worker's own log (nil when none or unsupported)
func (w *Worker) transitionToStarted(ctx context.Context) (*logsync.SessionLogConfig, error) {
	response, err := api.UpdateWorker(ctx, w.client, &api.UpdateWorkerRequest{
		FarmID:         w.identity.FarmID,
		FleetID:        w.identity.FleetID,
		WorkerID:       w.identity.WorkerID,
		Status:         types.WorkerStatusStarted,
		Capabilities:   &w.capabilities,
		HostProperties: HostProperties(),
	}, w.stop)
	if err != nil {
		return nil, err
	}
	w.logger.Info().Msg("Worker is STARTED")

	if response.Log == nil {
		return nil, nil
	}
	workerLog, err := logsync.NewSessionLogConfig(response.Log, "")
	if err != nil {
		// Only the remote driver is supported for the agent log; fall
		// back to local-only logging
		w.logger.Warn().Err(err).Msg("Worker log configuration not supported; logging locally only")
		return nil, nil
	}
	return workerLog, nil
}

func (w *Worker) transitionToStopped(ctx context.Context) {
	interrupt := make(chan struct{})
	timer := time.AfterFunc(10*time.Second, func() { close(interrupt) })
	defer timer.Stop()
	_, err := api.UpdateWorker(ctx, w.client, &api.UpdateWorkerRequest{
		FarmID:   w.identity.FarmID,
		FleetID:  w.identity.FleetID,
		WorkerID: w.identity.WorkerID,
		Status:   types.WorkerStatusStopped,
	}, interrupt)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to set worker state to STOPPED")
		return
	}
	w.logger.Info().Msg("Worker is STOPPED")
}

// attachWorkerLogStream tees the agent's own log to the remote stream
// the service designated
func (w *Worker) attachWorkerLogStream(workerLog *logsync.SessionLogConfig) {
	if workerLog == nil || w.logClient == nil {
		return
	}
	writer := logsync.NewStreamWriter(w.logClient, workerLog.LogGroup, workerLog.LogStream)
	log.AddOutput(logsync.NewZerologAdapter(writer))
	w.logger = log.WithWorkerID(w.identity.WorkerID)
	w.logger.Info().
		Str("log_group", workerLog.LogGroup).
		Str("log_stream", workerLog.LogStream).
		Msg("Worker log streaming to remote log service")
}

// flushJournaledStatuses re-enqueues terminal statuses a previous run
// recorded but never flushed
func (w *Worker) flushJournaledStatuses() {
	pending, err := w.journal.Pending()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read journaled action statuses")
		return
	}
	for _, status := range pending {
		w.scheduler.HandleActionUpdateGuarded(status)
	}
	if len(pending) > 0 {
		w.logger.Info().Int("count", len(pending)).Msg("Re-queued journaled terminal action statuses")
	}
}

// fleetCredentialsRefreshFailed initiates a drain when the worker's own
// credentials cannot be refreshed
func (w *Worker) fleetCredentialsRefreshFailed(err error) {
	var grace time.Duration
	var failMessage string

	var expiring *credentials.ExpiringError
	if errors.As(err, &expiring) {
		timeRemaining := time.Until(expiring.Expiry)
		if timeRemaining <= 0 {
			w.logger.Error().Msg("Worker AWS Credentials have expired")
			grace = 5 * time.Second
			failMessage = "Worker AWS Credentials have expired!"
		} else {
			w.logger.Error().Dur("time_remaining", timeRemaining).
				Msg("Worker AWS Credentials could not be refreshed before expiry")
			grace = timeRemaining
			failMessage = "Worker AWS Credentials are expiring and cannot be refreshed."
		}
	} else {
		w.logger.Error().Err(err).Msg("Fatal error refreshing Worker AWS Credentials")
		grace = 30 * time.Second
		failMessage = "Fatal error refreshing Worker AWS Credentials. See log for details."
	}
	w.signalStop()
	w.scheduler.Shutdown(&grace, failMessage)
}

// Delete removes the worker registration from the service
func (w *Worker) Delete(ctx context.Context) error {
	return api.DeleteWorker(ctx, w.client, &api.DeleteWorkerRequest{
		FarmID:   w.identity.FarmID,
		FleetID:  w.identity.FleetID,
		WorkerID: w.identity.WorkerID,
	})
}
