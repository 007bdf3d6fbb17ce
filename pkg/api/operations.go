package api

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
)

// queueRoleEventualConsistencyWindow bounds how long a STATUS_CONFLICT
// on the queue is treated as eventual consistency before it is handed
// back to the caller.
const queueRoleEventualConsistencyWindow = 10 * time.Second

func serviceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// CreateWorker calls the CreateWorker operation, retrying indefinitely
// on throttling, internal server errors, and a fleet that is still being
// created.
func CreateWorker(ctx context.Context, client Client, req *CreateWorkerRequest) (*CreateWorkerResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	for attempt := 0; ; attempt++ {
		response, err := client.CreateWorker(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("CreateWorker throttled, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("CreateWorker internal server error, retrying")
		case ErrCodeConflict:
			switch svcErr.Reason {
			case ConflictReasonResourceAlreadyExists:
				logger.Error().Msg("Could not CreateWorker. A Worker for these credentials already exists")
				logger.Error().Msg("Either delete that Worker, or configure the agent to use its worker ID")
				return nil, &UnrecoverableError{Err: err}
			case ConflictReasonStatusConflict:
				if svcErr.ResourceID == req.FleetID && svcErr.ResourceStatus == "CREATE_IN_PROGRESS" {
					logger.Info().Str("fleet_id", req.FleetID).Dur("delay", delay).Msg("Fleet is still being created, retrying")
				} else {
					return nil, &UnrecoverableError{Err: err}
				}
			default:
				return nil, &UnrecoverableError{Err: err}
			}
		default:
			// AccessDenied, Validation, ResourceNotFound, or unexpected
			return nil, &UnrecoverableError{Err: err}
		}
		if !sleep(delay, ctx.Done()) {
			return nil, ErrInterrupted
		}
	}
}

// DeleteWorker calls the DeleteWorker operation, retrying on throttling
// and internal server errors. A STATUS_CONFLICT on a still-active worker
// is reported as recoverable so the caller can stop the worker first.
func DeleteWorker(ctx context.Context, client Client, req *DeleteWorkerRequest) error {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	activeStatuses := map[string]bool{
		"STARTED": true, "STOPPING": true, "NOT_RESPONDING": true,
		"NOT_COMPATIBLE": true, "RUNNING": true, "IDLE": true,
	}

	for attempt := 0; ; attempt++ {
		err := client.DeleteWorker(ctx, req)
		if err == nil {
			return nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("DeleteWorker throttled, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("DeleteWorker internal server error, retrying")
		case ErrCodeConflict:
			if svcErr.Reason == ConflictReasonStatusConflict &&
				svcErr.ResourceID == req.WorkerID && activeStatuses[svcErr.ResourceStatus] {
				return &RecoverableError{Err: err}
			}
			return &UnrecoverableError{Err: err}
		default:
			return &UnrecoverableError{Err: err}
		}
		if !sleep(delay, ctx.Done()) {
			return ErrInterrupted
		}
	}
}

// UpdateWorker calls the UpdateWorker operation to set the worker status
// and capabilities.
//
// When transitioning to STARTED and the service reports that the worker
// is STOPPING or NOT_COMPATIBLE, the worker is first transitioned to
// STOPPED and the STARTED transition is retried with a fresh retry
// counter.
func UpdateWorker(ctx context.Context, client Client, req *UpdateWorkerRequest, interrupt <-chan struct{}) (*UpdateWorkerResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	interrupted := func() bool {
		select {
		case <-interrupt:
			return true
		default:
			return false
		}
	}

	for attempt := 0; ; attempt++ {
		mustStopFirst := false
		if interrupted() {
			return nil, ErrInterrupted
		}
		response, err := client.UpdateWorker(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		skipSleep := false
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("UpdateWorker throttled, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("UpdateWorker internal server error, retrying")
		case ErrCodeResourceNotFound:
			return nil, &ConditionallyRecoverableError{Err: err}
		case ErrCodeAccessDenied, ErrCodeValidation:
			return nil, &UnrecoverableError{Err: err}
		case ErrCodeConflict:
			switch svcErr.Reason {
			case ConflictReasonConcurrentModification:
				logger.Info().Dur("delay", delay).Msg("UpdateWorker conflict, retrying")
			case ConflictReasonStatusConflict:
				if svcErr.ResourceID != req.WorkerID {
					return nil, &UnrecoverableError{Err: err}
				}
				switch {
				case svcErr.ResourceStatus == "ASSOCIATED":
					logger.Info().Dur("delay", delay).Msg("UpdateWorker indicates the instance profile is still attached, retrying")
				case req.Status == types.WorkerStatusStarted &&
					(svcErr.ResourceStatus == "STOPPING" || svcErr.ResourceStatus == "NOT_COMPATIBLE"):
					logger.Info().Str("status", svcErr.ResourceStatus).
						Msg("Worker must be set to STOPPED before setting STARTED")
					skipSleep = true
					mustStopFirst = true
				default:
					return nil, &UnrecoverableError{Err: err}
				}
			default:
				return nil, &UnrecoverableError{Err: err}
			}
		default:
			return nil, &UnrecoverableError{Err: err}
		}
		if !skipSleep {
			if !sleepWithInterrupt(delay, ctx, interrupt) {
				return nil, ErrInterrupted
			}
		}
		if mustStopFirst {
			stopReq := *req
			stopReq.Status = types.WorkerStatusStopped
			if _, err := UpdateWorker(ctx, client, &stopReq, interrupt); err != nil {
				return nil, err
			}
			// Treat the renewed attempts at STARTED as fresh
			attempt = -1
		}
	}
}

// UpdateWorkerSchedule performs one heartbeat call, retrying on
// throttling, internal server errors, and concurrent modification.
func UpdateWorkerSchedule(ctx context.Context, client Client, req *UpdateWorkerScheduleRequest, interrupt <-chan struct{}) (*UpdateWorkerScheduleResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	if req.UpdatedSessionActions == nil {
		req.UpdatedSessionActions = map[string]UpdatedSessionActionInfo{}
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-interrupt:
			return nil, ErrInterrupted
		default:
		}
		response, err := client.UpdateWorkerSchedule(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("UpdateWorkerSchedule throttled, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("UpdateWorkerSchedule internal server error, retrying")
		case ErrCodeResourceNotFound:
			return nil, &WorkerNotFoundError{Err: err}
		case ErrCodeConflict:
			switch svcErr.Reason {
			case ConflictReasonStatusConflict:
				if svcErr.ResourceID == req.WorkerID {
					return nil, &WorkerOfflineError{Err: err}
				}
				return nil, &UnrecoverableError{Err: err}
			case ConflictReasonConcurrentModification:
				logger.Info().Dur("delay", delay).Msg("UpdateWorkerSchedule conflict, retrying")
			default:
				return nil, &UnrecoverableError{Err: err}
			}
		default:
			return nil, &UnrecoverableError{Err: err}
		}
		if !sleepWithInterrupt(delay, ctx, interrupt) {
			return nil, ErrInterrupted
		}
	}
}

// BatchGetJobEntity fetches a batch of job entities, retrying on
// throttling and internal server errors.
func BatchGetJobEntity(ctx context.Context, client Client, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	for attempt := 0; ; attempt++ {
		response, err := client.BatchGetJobEntity(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("BatchGetJobEntity throttled, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("BatchGetJobEntity internal server error, retrying")
		case ErrCodeResourceNotFound:
			return nil, &WorkerNotFoundError{Err: err}
		default:
			return nil, &UnrecoverableError{Err: err}
		}
		if !sleep(delay, ctx.Done()) {
			return nil, ErrInterrupted
		}
	}
}

// AssumeFleetRoleForWorker obtains fleet credentials, retrying on
// throttling and internal server errors.
func AssumeFleetRoleForWorker(ctx context.Context, client Client, req *AssumeFleetRoleRequest) (*AssumeRoleResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)

	for attempt := 0; ; attempt++ {
		response, err := client.AssumeFleetRoleForWorker(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("Throttled refreshing worker credentials, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("Internal server error refreshing worker credentials, retrying")
		default:
			return nil, &UnrecoverableError{Err: err}
		}
		if !sleep(delay, ctx.Done()) {
			return nil, ErrInterrupted
		}
	}
}

// AssumeQueueRoleForWorker obtains queue credentials for job sessions.
//
// A STATUS_CONFLICT on the worker reports the worker offline. A
// STATUS_CONFLICT on the queue is retried as eventual consistency for up
// to ten seconds before it is handed back as conditionally recoverable.
func AssumeQueueRoleForWorker(ctx context.Context, client Client, req *AssumeQueueRoleRequest, interrupt <-chan struct{}) (*AssumeRoleResponse, error) {
	logger := log.WithComponent("api")
	backoff := NewBackoff(DefaultMaxBackoff)
	queryStart := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-interrupt:
			return nil, ErrInterrupted
		default:
		}
		response, err := client.AssumeQueueRoleForWorker(ctx, req)
		if err == nil {
			return response, nil
		}
		svcErr, ok := serviceError(err)
		if !ok {
			return nil, &UnrecoverableError{Err: err}
		}
		delay := backoff.DelayWithLowerBound(attempt, svcErr.RetryAfterSeconds)
		switch svcErr.Code {
		case ErrCodeThrottling:
			logger.Info().Dur("delay", delay).Msg("Throttled refreshing queue credentials, retrying")
		case ErrCodeInternalServer:
			logger.Warn().Err(err).Dur("delay", delay).Msg("Internal server error refreshing queue credentials, retrying")
		case ErrCodeAccessDenied:
			return nil, &ConditionallyRecoverableError{Err: err}
		case ErrCodeResourceNotFound:
			// Either the worker or the queue is gone; fail the queue's
			// session actions either way. If it is the worker, the next
			// UpdateWorkerSchedule call will discover it.
			return nil, &UnrecoverableError{Err: err}
		case ErrCodeConflict:
			if svcErr.Reason != ConflictReasonStatusConflict {
				return nil, &ConditionallyRecoverableError{Err: err}
			}
			switch svcErr.ResourceID {
			case req.WorkerID:
				return nil, &WorkerOfflineError{Err: err}
			case req.QueueID:
				if time.Since(queryStart) > queueRoleEventualConsistencyWindow {
					return nil, &ConditionallyRecoverableError{Err: err}
				}
				logger.Info().Dur("delay", delay).Msg("Queue status conflict, retrying for eventual consistency")
			default:
				return nil, &ConditionallyRecoverableError{Err: err}
			}
		case ErrCodeValidation:
			logger.Error().Err(err).Msg("ValidationException invoking AssumeQueueRoleForWorker")
			return nil, &ConditionallyRecoverableError{Err: err}
		default:
			return nil, &UnrecoverableError{Err: err}
		}
		if !sleepWithInterrupt(delay, ctx, interrupt) {
			return nil, ErrInterrupted
		}
	}
}

// sleepWithInterrupt waits for d, returning false if either the context
// or the interrupt channel fires first
func sleepWithInterrupt(d time.Duration, ctx context.Context, interrupt <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-interrupt:
		return false
	case <-ctx.Done():
		return false
	}
}
