package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/runner"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes

// fakeDispatchClient scripts heartbeat responses and records requests.
// Like the service, it stops assigning actions once their terminal
// status has been reported.
type fakeDispatchClient struct {
	api.Client

	mu                sync.Mutex
	scheduleResponses []*api.UpdateWorkerScheduleResponse
	scheduleRequests  []*api.UpdateWorkerScheduleRequest
	workerStatuses    []types.WorkerStatus
	entities          map[string]types.EntityData
	completed         map[string]bool
}

func (c *fakeDispatchClient) MaxJobEntityBatchSize() int { return 25 }

func (c *fakeDispatchClient) UpdateWorkerSchedule(_ context.Context, req *api.UpdateWorkerScheduleRequest) (*api.UpdateWorkerScheduleResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *req
	copied.UpdatedSessionActions = make(map[string]api.UpdatedSessionActionInfo, len(req.UpdatedSessionActions))
	for id, update := range req.UpdatedSessionActions {
		copied.UpdatedSessionActions[id] = update
	}
	c.scheduleRequests = append(c.scheduleRequests, &copied)

	response := c.scheduleResponses[0]
	if len(c.scheduleResponses) > 1 {
		c.scheduleResponses = c.scheduleResponses[1:]
	}

	if c.completed == nil {
		c.completed = make(map[string]bool)
	}
	for id, update := range req.UpdatedSessionActions {
		if update.CompletedStatus != "" {
			c.completed[id] = true
		}
	}
	filtered := *response
	filtered.AssignedSessions = make(map[string]types.AssignedSession, len(response.AssignedSessions))
	for sessionID, assignment := range response.AssignedSessions {
		actions := make([]types.SessionAction, 0, len(assignment.SessionActions))
		for _, action := range assignment.SessionActions {
			if !c.completed[action.SessionActionID] {
				actions = append(actions, action)
			}
		}
		assignment.SessionActions = actions
		filtered.AssignedSessions[sessionID] = assignment
	}
	return &filtered, nil
}

func (c *fakeDispatchClient) UpdateWorker(_ context.Context, req *api.UpdateWorkerRequest) (*api.UpdateWorkerResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerStatuses = append(c.workerStatuses, req.Status)
	return &api.UpdateWorkerResponse{}, nil
}

func (c *fakeDispatchClient) BatchGetJobEntity(_ context.Context, req *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	response := &api.BatchGetJobEntityResponse{}
	for _, id := range req.Identifiers {
		var key string
		switch {
		case id.JobDetails != nil:
			key = id.JobDetails.JobID
		case id.StepDetails != nil:
			key = id.StepDetails.StepID
		case id.EnvironmentDetails != nil:
			key = id.EnvironmentDetails.EnvironmentID
		case id.JobAttachmentDetails != nil:
			key = "JA(" + id.JobAttachmentDetails.JobID + ")"
		}
		if data, ok := c.entities[key]; ok {
			response.Entities = append(response.Entities, data)
		}
	}
	return response, nil
}

func (c *fakeDispatchClient) sentUpdates() map[string]api.UpdatedSessionActionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[string]api.UpdatedSessionActionInfo)
	for _, req := range c.scheduleRequests {
		for id, update := range req.UpdatedSessionActions {
			if update.CompletedStatus != "" {
				merged[id] = update
			}
		}
	}
	return merged
}

func (c *fakeDispatchClient) statuses() []types.WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.WorkerStatus{}, c.workerStatuses...)
}

// testRunner reports success for every action; RunTask can be made to
// block until canceled
type testRunner struct {
	mu       sync.Mutex
	callback runner.StatusCallback
	blocking bool

	taskRunning   bool
	blockedCancel chan struct{}
}

func (r *testRunner) report(status types.ActionStatus) {
	r.mu.Lock()
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

func (r *testRunner) succeedAsync() {
	go func() {
		r.report(types.ActionStatus{State: types.ActionStateRunning})
		r.report(types.ActionStatus{State: types.ActionStateSuccess})
	}()
}

func (r *testRunner) EnterEnvironment(string, json.RawMessage, map[string]string) (runner.EnvironmentHandle, error) {
	r.succeedAsync()
	return runner.EnvironmentHandle("handle-1"), nil
}

func (r *testRunner) ExitEnvironment(runner.EnvironmentHandle) error {
	r.succeedAsync()
	return nil
}

func (r *testRunner) RunTask(json.RawMessage, map[string]types.ParameterValue, map[string]string) error {
	r.mu.Lock()
	r.taskRunning = true
	if r.blocking {
		r.blockedCancel = make(chan struct{})
		blocked := r.blockedCancel
		r.mu.Unlock()
		go func() {
			r.report(types.ActionStatus{State: types.ActionStateRunning})
			<-blocked
			r.report(types.ActionStatus{State: types.ActionStateCanceled, FailMessage: "Canceled"})
		}()
		return nil
	}
	r.mu.Unlock()
	r.succeedAsync()
	return nil
}

func (r *testRunner) CancelAction(*time.Duration) error {
	r.mu.Lock()
	blocked := r.blockedCancel
	r.blockedCancel = nil
	r.mu.Unlock()
	if blocked != nil {
		close(blocked)
	}
	return nil
}

func (r *testRunner) ActionStatus() *types.ActionStatus {
	return &types.ActionStatus{State: types.ActionStateSuccess}
}

func (r *testRunner) WorkingDirectory() string { return "/tmp/farmhand-test" }

func (r *testRunner) Cleanup() error { return nil }

// ---------------------------------------------------------------------------
// fixtures

func assignmentActions() []types.SessionAction {
	return []types.SessionAction{
		{SessionActionID: "sessionaction-1", ActionType: types.ActionTypeEnvEnter, EnvironmentID: "env-1"},
		{SessionActionID: "sessionaction-2", ActionType: types.ActionTypeTaskRun, StepID: "step-1", TaskID: "task-1"},
		{SessionActionID: "sessionaction-3", ActionType: types.ActionTypeEnvExit, EnvironmentID: "env-1"},
	}
}

func testAssignment() types.AssignedSession {
	return types.AssignedSession{
		QueueID:        "queue-1",
		JobID:          "job-1",
		SessionActions: assignmentActions(),
		LogConfiguration: &types.LogConfiguration{
			LogDriver: "awslogs",
			Options: map[string]string{
				"logGroupName":  "/farm/queue-1",
				"logStreamName": "session-1",
			},
		},
	}
}

func testEntities() map[string]types.EntityData {
	template := json.RawMessage(`{"name":"t","script":{"actions":{"onRun":{"command":"/bin/true"}}}}`)
	return map[string]types.EntityData{
		"job-1": {JobDetails: &types.JobDetailsData{
			JobID: "job-1", SchemaVersion: "jobtemplate-2023-09", LogGroupName: "/farm/queue-1",
		}},
		"env-1": {EnvironmentDetails: &types.EnvironmentDetailsData{
			JobID: "job-1", EnvironmentID: "env-1",
			SchemaVersion: "environment-2023-09", Template: template,
		}},
		"step-1": {StepDetails: &types.StepDetailsData{
			JobID: "job-1", StepID: "step-1",
			SchemaVersion: "jobtemplate-2023-09", Template: template,
		}},
	}
}

func newTestScheduler(t *testing.T, client *fakeDispatchClient, blockingTasks bool) *WorkerScheduler {
	t.Helper()
	return New(Config{
		Client:   client,
		Identity: types.WorkerIdentity{WorkerID: "worker-1", FarmID: "farm-1", FleetID: "fleet-1"},
		RunnerFactory: func(cfg runner.Config) (runner.Runner, error) {
			r := &testRunner{blocking: blockingTasks}
			r.callback = cfg.Callback
			return r, nil
		},
		WorkerLogsDir:  t.TempDir(),
		PersistenceDir: t.TempDir(),
		SessionRootDir: t.TempDir(),
	})
}

// ---------------------------------------------------------------------------
// tests

// TestSchedulerRunsAssignedSessionToCompletion drives a full session
// lifecycle through scripted heartbeats: assignment, action execution,
// status reporting, and removal.
func TestSchedulerRunsAssignedSessionToCompletion(t *testing.T) {
	client := &fakeDispatchClient{
		entities: testEntities(),
		scheduleResponses: []*api.UpdateWorkerScheduleResponse{
			{
				AssignedSessions:      map[string]types.AssignedSession{"session-1": testAssignment()},
				UpdateIntervalSeconds: 1,
			},
		},
	}
	s := newTestScheduler(t, client, false)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// All three actions reach SUCCEEDED across heartbeats
	require.Eventually(t, func() bool {
		sent := client.sentUpdates()
		for _, id := range []string{"sessionaction-1", "sessionaction-2", "sessionaction-3"} {
			if sent[id].CompletedStatus != types.CompletedStatusSucceeded {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "actions never completed: %v", client.sentUpdates())

	// The service removes the session
	client.mu.Lock()
	client.scheduleResponses = []*api.UpdateWorkerScheduleResponse{{
		AssignedSessions:      map[string]types.AssignedSession{},
		UpdateIntervalSeconds: 1,
	}}
	client.mu.Unlock()
	s.wake()

	require.Eventually(t, func() bool {
		return s.sessionCount() == 0
	}, 15*time.Second, 50*time.Millisecond)

	s.Shutdown(nil, "test complete")
	require.NoError(t, <-done)
}

// TestSchedulerServiceShutdown covers the desired STOPPED status in a
// heartbeat response: Run must return ErrServiceShutdown.
func TestSchedulerServiceShutdown(t *testing.T) {
	client := &fakeDispatchClient{
		entities: testEntities(),
		scheduleResponses: []*api.UpdateWorkerScheduleResponse{
			{
				AssignedSessions:      map[string]types.AssignedSession{},
				UpdateIntervalSeconds: 1,
				DesiredWorkerStatus:   types.WorkerStatusStopped,
			},
		},
	}
	s := newTestScheduler(t, client, false)
	assert.ErrorIs(t, s.Run(context.Background()), ErrServiceShutdown)
}

// TestSchedulerDrainWithGrace covers the worker-initiated drain while a
// task is running: the service sees STOPPING, the task is interrupted,
// and the final heartbeat flushes the INTERRUPTED status.
func TestSchedulerDrainWithGrace(t *testing.T) {
	assignment := testAssignment()
	// Just the running task; no surrounding environment
	assignment.SessionActions = []types.SessionAction{
		{SessionActionID: "sessionaction-2", ActionType: types.ActionTypeTaskRun, StepID: "step-1", TaskID: "task-1"},
	}
	client := &fakeDispatchClient{
		entities: testEntities(),
		scheduleResponses: []*api.UpdateWorkerScheduleResponse{
			{
				AssignedSessions:      map[string]types.AssignedSession{"session-1": assignment},
				UpdateIntervalSeconds: 1,
			},
		},
	}
	s := newTestScheduler(t, client, true)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Wait for the task to be running inside the session: dequeued (the
	// queue is empty) and still current (the session is not idle)
	require.Eventually(t, func() bool {
		s.sessionsMu.Lock()
		defer s.sessionsMu.Unlock()
		for _, entry := range s.sessions {
			if entry.queue.IsEmpty() && !entry.session.Idle() {
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond)

	// The removal response for the final flush
	client.mu.Lock()
	client.scheduleResponses = []*api.UpdateWorkerScheduleResponse{{
		AssignedSessions:      map[string]types.AssignedSession{},
		UpdateIntervalSeconds: 1,
	}}
	client.mu.Unlock()

	grace := 2 * time.Second
	s.Shutdown(&grace, "drain")
	require.NoError(t, <-done)

	// The STOPPING transition was attempted before stopping sessions
	assert.Contains(t, client.statuses(), types.WorkerStatusStopping)

	// The final flush carried the INTERRUPTED status with the drain
	// message
	sent := client.sentUpdates()
	require.Contains(t, sent, "sessionaction-2")
	assert.Equal(t, types.CompletedStatusInterrupted, sent["sessionaction-2"].CompletedStatus)
	assert.Equal(t, "drain", sent["sessionaction-2"].ProgressMessage)
}

// TestSchedulerFailsActionsWhenJobDetailsUnavailable covers the startup
// failure path: without job details the session cannot start, so the
// first action fails and the rest are never attempted.
func TestSchedulerFailsActionsWhenJobDetailsUnavailable(t *testing.T) {
	client := &fakeDispatchClient{
		entities: map[string]types.EntityData{}, // no job details
		scheduleResponses: []*api.UpdateWorkerScheduleResponse{
			{
				AssignedSessions:      map[string]types.AssignedSession{"session-1": testAssignment()},
				UpdateIntervalSeconds: 1,
			},
		},
	}
	s := newTestScheduler(t, client, false)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		sent := client.sentUpdates()
		return sent["sessionaction-1"].CompletedStatus == types.CompletedStatusFailed &&
			sent["sessionaction-2"].CompletedStatus == types.CompletedStatusNeverAttempted &&
			sent["sessionaction-3"].CompletedStatus == types.CompletedStatusNeverAttempted
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, 0, s.sessionCount())
	s.Shutdown(nil, "test complete")
	<-done
}
