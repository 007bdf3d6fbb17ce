package api

import (
	"context"
	"testing"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// scriptedClient returns canned results per operation, in order
type scriptedClient struct {
	updateWorker         []any // *UpdateWorkerResponse or error
	updateWorkerRequests []*UpdateWorkerRequest
	updateSchedule       []any
	assumeQueueRole      []any
	createWorker         []any
}

func pop[T any](t *testing.T, script *[]any) (T, error) {
	t.Helper()
	var zero T
	require.NotEmpty(t, *script, "scripted client ran out of responses")
	next := (*script)[0]
	*script = (*script)[1:]
	if err, ok := next.(error); ok {
		return zero, err
	}
	return next.(T), nil
}

func (c *scriptedClient) CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*CreateWorkerResponse, error) {
	return pop[*CreateWorkerResponse](currentT, &c.createWorker)
}

func (c *scriptedClient) DeleteWorker(ctx context.Context, req *DeleteWorkerRequest) error {
	return nil
}

func (c *scriptedClient) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*UpdateWorkerResponse, error) {
	copied := *req
	c.updateWorkerRequests = append(c.updateWorkerRequests, &copied)
	return pop[*UpdateWorkerResponse](currentT, &c.updateWorker)
}

func (c *scriptedClient) UpdateWorkerSchedule(ctx context.Context, req *UpdateWorkerScheduleRequest) (*UpdateWorkerScheduleResponse, error) {
	return pop[*UpdateWorkerScheduleResponse](currentT, &c.updateSchedule)
}

func (c *scriptedClient) BatchGetJobEntity(ctx context.Context, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error) {
	return &BatchGetJobEntityResponse{}, nil
}

func (c *scriptedClient) AssumeFleetRoleForWorker(ctx context.Context, req *AssumeFleetRoleRequest) (*AssumeRoleResponse, error) {
	return &AssumeRoleResponse{}, nil
}

func (c *scriptedClient) AssumeQueueRoleForWorker(ctx context.Context, req *AssumeQueueRoleRequest) (*AssumeRoleResponse, error) {
	return pop[*AssumeRoleResponse](currentT, &c.assumeQueueRole)
}

func (c *scriptedClient) MaxJobEntityBatchSize() int { return 25 }

// currentT carries the running test into the scripted client
var currentT *testing.T

func TestUpdateWorkerScheduleWorkerNotFound(t *testing.T) {
	currentT = t
	client := &scriptedClient{updateSchedule: []any{
		&ServiceError{Operation: "UpdateWorkerSchedule", Code: ErrCodeResourceNotFound},
	}}

	_, err := UpdateWorkerSchedule(context.Background(), client, &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	}, nil)
	var notFound *WorkerNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.True(t, IsUnrecoverable(err))
}

func TestUpdateWorkerScheduleWorkerOffline(t *testing.T) {
	currentT = t
	client := &scriptedClient{updateSchedule: []any{
		&ServiceError{
			Operation:  "UpdateWorkerSchedule",
			Code:       ErrCodeConflict,
			Reason:     ConflictReasonStatusConflict,
			ResourceID: "worker-1",
		},
	}}

	_, err := UpdateWorkerSchedule(context.Background(), client, &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	}, nil)
	var offline *WorkerOfflineError
	assert.ErrorAs(t, err, &offline)
}

func TestUpdateWorkerScheduleRetriesConcurrentModification(t *testing.T) {
	currentT = t
	client := &scriptedClient{updateSchedule: []any{
		&ServiceError{
			Operation: "UpdateWorkerSchedule",
			Code:      ErrCodeConflict,
			Reason:    ConflictReasonConcurrentModification,
		},
		&UpdateWorkerScheduleResponse{UpdateIntervalSeconds: 15},
	}}

	response, err := UpdateWorkerSchedule(context.Background(), client, &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 15, response.UpdateIntervalSeconds)
}

func TestUpdateWorkerScheduleInterruptObserved(t *testing.T) {
	currentT = t
	interrupt := make(chan struct{})
	close(interrupt)
	client := &scriptedClient{}

	_, err := UpdateWorkerSchedule(context.Background(), client, &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	}, interrupt)
	assert.ErrorIs(t, err, ErrInterrupted)
}

// TestUpdateWorkerMustStopFirst covers the STARTED transition when the
// service reports the worker STOPPING: the worker is first set STOPPED,
// then the STARTED transition is retried.
func TestUpdateWorkerMustStopFirst(t *testing.T) {
	currentT = t
	client := &scriptedClient{updateWorker: []any{
		&ServiceError{
			Operation:      "UpdateWorker",
			Code:           ErrCodeConflict,
			Reason:         ConflictReasonStatusConflict,
			ResourceID:     "worker-1",
			ResourceStatus: "STOPPING",
		},
		&UpdateWorkerResponse{}, // the STOPPED transition
		&UpdateWorkerResponse{}, // the renewed STARTED transition
	}}

	_, err := UpdateWorker(context.Background(), client, &UpdateWorkerRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
		Status: types.WorkerStatusStarted,
	}, nil)
	require.NoError(t, err)

	require.Len(t, client.updateWorkerRequests, 3)
	assert.Equal(t, types.WorkerStatusStarted, client.updateWorkerRequests[0].Status)
	assert.Equal(t, types.WorkerStatusStopped, client.updateWorkerRequests[1].Status)
	assert.Equal(t, types.WorkerStatusStarted, client.updateWorkerRequests[2].Status)
}

func TestUpdateWorkerAccessDeniedUnrecoverable(t *testing.T) {
	currentT = t
	client := &scriptedClient{updateWorker: []any{
		&ServiceError{Operation: "UpdateWorker", Code: ErrCodeAccessDenied},
	}}

	_, err := UpdateWorker(context.Background(), client, &UpdateWorkerRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
		Status: types.WorkerStatusStarted,
	}, nil)
	assert.True(t, IsUnrecoverable(err))
}

func TestAssumeQueueRoleAccessDeniedConditionallyRecoverable(t *testing.T) {
	currentT = t
	client := &scriptedClient{assumeQueueRole: []any{
		&ServiceError{Operation: "AssumeQueueRoleForWorker", Code: ErrCodeAccessDenied},
	}}

	_, err := AssumeQueueRoleForWorker(context.Background(), client, &AssumeQueueRoleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1", QueueID: "queue-1",
	}, nil)
	var conditional *ConditionallyRecoverableError
	assert.ErrorAs(t, err, &conditional)
	assert.False(t, IsUnrecoverable(err))
}

func TestAssumeQueueRoleWorkerStatusConflictIsOffline(t *testing.T) {
	currentT = t
	client := &scriptedClient{assumeQueueRole: []any{
		&ServiceError{
			Operation:  "AssumeQueueRoleForWorker",
			Code:       ErrCodeConflict,
			Reason:     ConflictReasonStatusConflict,
			ResourceID: "worker-1",
		},
	}}

	_, err := AssumeQueueRoleForWorker(context.Background(), client, &AssumeQueueRoleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1", QueueID: "queue-1",
	}, nil)
	var offline *WorkerOfflineError
	assert.ErrorAs(t, err, &offline)
}

func TestCreateWorkerAlreadyExistsUnrecoverable(t *testing.T) {
	currentT = t
	client := &scriptedClient{createWorker: []any{
		&ServiceError{
			Operation: "CreateWorker",
			Code:      ErrCodeConflict,
			Reason:    ConflictReasonResourceAlreadyExists,
		},
	}}

	_, err := CreateWorker(context.Background(), client, &CreateWorkerRequest{
		FarmID: "farm-1", FleetID: "fleet-1",
	})
	assert.True(t, IsUnrecoverable(err))
}
