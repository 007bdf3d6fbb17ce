package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/types"
)

const (
	// stoppingTransitionCap bounds the STOPPING status call during a
	// worker-initiated drain: at most five seconds or 10% of the grace
	stoppingTransitionCap = 5 * time.Second

	// finalFlushReserve is held back from the drain grace so the final
	// status flush has time to run
	finalFlushReserve = time.Second
)

// drain winds the scheduler down: on a worker-initiated drain the
// service is told the worker is STOPPING, then every session is stopped
// concurrently with the remaining grace, queue credentials are released,
// and a final non-interruptible heartbeat flushes the interrupted-action
// updates.
func (s *WorkerScheduler) drain(ctx context.Context, runErr error) {
	s.sessionsMu.Lock()
	sessions := make([]*schedulerSession, 0, len(s.sessions))
	for _, entry := range s.sessions {
		sessions = append(sessions, entry)
	}
	s.sessionsMu.Unlock()

	if len(sessions) > 0 {
		s.logger.Info().Int("count", len(sessions)).Msg("Shutting down sessions")
	}

	s.shutdownMu.Lock()
	grace := s.shutdownGrace
	failMessage := s.shutdownFailMessage
	s.shutdownMu.Unlock()

	workerInitiated := s.isShutdown()

	if workerInitiated && len(sessions) > 0 {
		// Tell the service we're STOPPING so it hands out no more work.
		// Spend at most 10% of the grace (capped) on this, or one second
		// when no grace was given.
		transitionTimeout := time.Second
		if grace != nil {
			transitionTimeout = *grace / 10
			if transitionTimeout > stoppingTransitionCap {
				transitionTimeout = stoppingTransitionCap
			}
			remaining := *grace - transitionTimeout
			grace = &remaining
		}
		s.transitionToStopping(ctx, transitionTimeout)
	}

	// Stop every session concurrently with the remaining grace
	var wg sync.WaitGroup
	for _, entry := range sessions {
		wg.Add(1)
		go func(entry *schedulerSession) {
			defer wg.Done()
			entry.session.Stop(types.CompletedStatusInterrupted, grace, failMessage)
			entry.session.Wait(nil)
			s.teardownSession(entry)
		}(entry)
	}

	if len(sessions) > 0 {
		// Wait a little less than the grace so there is time left to
		// tell the service what happened
		var waitTimeout *time.Duration
		if grace != nil {
			remaining := *grace - finalFlushReserve
			if remaining < time.Second {
				remaining = time.Second
			}
			waitTimeout = &remaining
			s.logger.Info().Dur("timeout", remaining).Msg("Waiting for sessions to end")
		} else {
			s.logger.Info().Msg("Waiting for sessions to end")
		}
		waitGroupWithTimeout(&wg, waitTimeout)
	}

	// Release every queue credential installation before the final sync
	// in case that call fails
	s.cleanupQueueCredentials(map[string]types.AssignedSession{})

	// A worker-initiated drain must report the interrupted actions
	if workerInitiated && len(sessions) > 0 {
		if _, err := s.sync(ctx, false); err != nil && !errors.Is(err, ErrServiceShutdown) {
			if errors.Is(err, api.ErrInterrupted) {
				// The final sync is non-interruptible by construction
				s.logger.Error().Msg("Final schedule flush was interrupted; this is a bug")
			} else {
				s.logger.Warn().Err(err).Msg("Failed to flush final action updates")
			}
		}
	}

	if runErr != nil && !errors.Is(runErr, ErrServiceShutdown) {
		s.logger.Debug().Err(runErr).Msg("Scheduler drained after error")
	}
}

// transitionToStopping informs the service that the worker has begun a
// worker-initiated drain. The drain proceeds regardless of the outcome;
// the call is bounded because an expedited drain cannot afford to wait.
func (s *WorkerScheduler) transitionToStopping(ctx context.Context, timeout time.Duration) {
	interrupt := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(interrupt) })
	defer timer.Stop()

	_, err := api.UpdateWorker(ctx, s.cfg.Client, &api.UpdateWorkerRequest{
		FarmID:   s.cfg.Identity.FarmID,
		FleetID:  s.cfg.Identity.FleetID,
		WorkerID: s.cfg.Identity.WorkerID,
		Status:   types.WorkerStatusStopping,
	}, interrupt)
	switch {
	case err == nil:
		s.logger.Info().Msg("Successfully set worker state to STOPPING")
	case errors.Is(err, api.ErrInterrupted):
		s.logger.Info().Msg("Timeout reached trying to update worker to STOPPING status; proceeding without changing status")
	default:
		s.logger.Warn().Err(err).Msg("Error updating worker to STOPPING status; continuing with drain regardless")
	}
}

// waitGroupWithTimeout waits for the group, bounded by the optional
// timeout
func waitGroupWithTimeout(wg *sync.WaitGroup, timeout *time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(*timeout):
		return false
	}
}
