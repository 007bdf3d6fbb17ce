package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/entities"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeEntityClient serves canned BatchGetJobEntity responses
type fakeEntityClient struct {
	api.Client
	entities map[string]types.EntityData
}

func (c *fakeEntityClient) MaxJobEntityBatchSize() int { return 25 }

func (c *fakeEntityClient) BatchGetJobEntity(_ context.Context, req *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error) {
	response := &api.BatchGetJobEntityResponse{}
	for _, id := range req.Identifiers {
		switch {
		case id.EnvironmentDetails != nil:
			if data, ok := c.entities[id.EnvironmentDetails.EnvironmentID]; ok {
				response.Entities = append(response.Entities, data)
			}
		case id.StepDetails != nil:
			if data, ok := c.entities[id.StepDetails.StepID]; ok {
				response.Entities = append(response.Entities, data)
			}
		case id.JobDetails != nil:
			if data, ok := c.entities[id.JobDetails.JobID]; ok {
				response.Entities = append(response.Entities, data)
			}
		case id.JobAttachmentDetails != nil:
			if data, ok := c.entities["JA("+id.JobAttachmentDetails.JobID+")"]; ok {
				response.Entities = append(response.Entities, data)
			}
		}
	}
	return response, nil
}

func testQueue(client *fakeEntityClient, updates *[]types.SessionActionStatus) *SessionActionQueue {
	if client == nil {
		client = &fakeEntityClient{entities: map[string]types.EntityData{}}
	}
	identity := types.WorkerIdentity{WorkerID: "worker-1", FarmID: "farm-1", FleetID: "fleet-1"}
	cache := entities.NewCache(client, identity, "job-1")
	return New("queue-1", "job-1", "session-1", cache, func(status types.SessionActionStatus) {
		*updates = append(*updates, status)
	})
}

func envTemplate() json.RawMessage {
	return json.RawMessage(`{"name":"env","script":{"actions":{"onEnter":{"command":"/bin/true"}}}}`)
}

func envAction(id, envID string, enter bool) types.SessionAction {
	actionType := types.ActionTypeEnvExit
	if enter {
		actionType = types.ActionTypeEnvEnter
	}
	return types.SessionAction{SessionActionID: id, ActionType: actionType, EnvironmentID: envID}
}

func taskAction(id, stepID, taskID string) types.SessionAction {
	return types.SessionAction{
		SessionActionID: id, ActionType: types.ActionTypeTaskRun,
		StepID: stepID, TaskID: taskID,
	}
}

func TestReplacePreservesOrder(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)

	q.Replace([]types.SessionAction{
		envAction("sessionaction-1", "env-1", true),
		taskAction("sessionaction-2", "step-1", "task-1"),
		envAction("sessionaction-3", "env-1", false),
	})

	identifiers := q.ListIdentifiers()
	require.Len(t, identifiers, 3)
	assert.NotNil(t, identifiers[0].EnvironmentDetails)
	assert.NotNil(t, identifiers[1].StepDetails)
	assert.NotNil(t, identifiers[2].EnvironmentDetails)
}

// TestReplaceIsIdempotent verifies that replaying the same action list
// preserves the records, and in particular their cancel signals.
func TestReplaceIsIdempotent(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)

	actions := []types.SessionAction{
		taskAction("sessionaction-1", "step-1", "task-1"),
		taskAction("sessionaction-2", "step-1", "task-2"),
	}
	q.Replace(actions)
	first := q.byID["sessionaction-1"]
	q.Replace(actions)
	assert.Same(t, first, q.byID["sessionaction-1"], "surviving records must be retained")
	assert.Len(t, q.ordered, 2)
}

func TestReplaceDropsAbsentAndAppendsNew(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)

	q.Replace([]types.SessionAction{
		taskAction("sessionaction-1", "step-1", "task-1"),
		taskAction("sessionaction-2", "step-1", "task-2"),
	})
	q.Replace([]types.SessionAction{
		taskAction("sessionaction-2", "step-1", "task-2"),
		taskAction("sessionaction-3", "step-1", "task-3"),
	})

	assert.Len(t, q.ordered, 2)
	assert.NotContains(t, q.byID, "sessionaction-1")
	assert.Contains(t, q.byID, "sessionaction-3")
}

func TestCancelPostsTerminalUpdate(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)
	q.Replace([]types.SessionAction{taskAction("sessionaction-1", "step-1", "task-1")})

	entry := q.byID["sessionaction-1"]
	q.Cancel("sessionaction-1", CancelOutcomeFailed, "prior action failed")

	require.Len(t, updates, 1)
	assert.Equal(t, types.CompletedStatusFailed, updates[0].CompletedStatus)
	assert.NotNil(t, updates[0].StartTime, "FAILED cancels carry timestamps")
	assert.NotNil(t, updates[0].EndTime)
	assert.Equal(t, "prior action failed", updates[0].Status.FailMessage)
	assert.True(t, q.IsEmpty())

	select {
	case <-entry.cancel:
	default:
		t.Fatal("cancel signal must fire so lazy fetches abort")
	}
}

func TestCancelNeverAttemptedHasNoTimestamps(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)
	q.Replace([]types.SessionAction{taskAction("sessionaction-1", "step-1", "task-1")})

	q.Cancel("sessionaction-1", CancelOutcomeNeverAttempted, "skipped")
	require.Len(t, updates, 1)
	assert.Equal(t, types.CompletedStatusNeverAttempted, updates[0].CompletedStatus)
	assert.Nil(t, updates[0].StartTime)
	assert.Nil(t, updates[0].EndTime)
}

func TestCancelAllIgnoresEnvExits(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)
	q.Replace([]types.SessionAction{
		taskAction("sessionaction-1", "step-1", "task-1"),
		envAction("sessionaction-2", "env-1", false),
		taskAction("sessionaction-3", "step-1", "task-2"),
	})

	q.CancelAll(CancelOutcomeNeverAttempted, "drain", true)

	require.Len(t, updates, 2)
	canceled := map[string]bool{}
	for _, update := range updates {
		canceled[update.ID] = true
	}
	assert.True(t, canceled["sessionaction-1"])
	assert.True(t, canceled["sessionaction-3"])
	assert.False(t, canceled["sessionaction-2"], "ENV_EXIT actions are never canceled by a drain-all")
	assert.False(t, q.IsEmpty())
}

func TestCancelAllCanIncludeEnvExits(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)
	q.Replace([]types.SessionAction{
		envAction("sessionaction-1", "env-1", false),
	})

	q.CancelAll(CancelOutcomeNeverAttempted, "teardown", false)
	assert.Len(t, updates, 1)
	assert.True(t, q.IsEmpty())
}

func TestDequeueResolvesEntities(t *testing.T) {
	client := &fakeEntityClient{entities: map[string]types.EntityData{
		"env-1": {EnvironmentDetails: &types.EnvironmentDetailsData{
			JobID: "job-1", EnvironmentID: "env-1",
			SchemaVersion: "environment-2023-09", Template: envTemplate(),
		}},
	}}
	var updates []types.SessionActionStatus
	q := testQueue(client, &updates)
	q.Replace([]types.SessionAction{envAction("sessionaction-1", "env-1", true)})

	resolved, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "sessionaction-1", resolved.ID)
	assert.Equal(t, types.ActionTypeEnvEnter, resolved.Type)
	require.NotNil(t, resolved.EnvironmentDetails)
	assert.Equal(t, "env-1", resolved.EnvironmentDetails.EnvironmentID)
	assert.True(t, q.IsEmpty())
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	var updates []types.SessionActionStatus
	q := testQueue(nil, &updates)
	resolved, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestDequeueUnsupportedSchemaCarriesActionID(t *testing.T) {
	client := &fakeEntityClient{entities: map[string]types.EntityData{
		"step-1": {StepDetails: &types.StepDetailsData{
			JobID: "job-1", StepID: "step-1",
			SchemaVersion: "future-1", Template: envTemplate(),
		}},
	}}
	var updates []types.SessionActionStatus
	q := testQueue(client, &updates)
	q.Replace([]types.SessionAction{taskAction("sessionaction-1", "step-1", "task-1")})

	_, err := q.Dequeue(context.Background())
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "sessionaction-1", actionErr.ActionID)
	assert.Contains(t, actionErr.Message, "does not support schema version future-1")

	var unsupported *entities.UnsupportedSchemaError
	assert.ErrorAs(t, err, &unsupported)
}

func TestDequeueSyncInputWithStepResolvesStepDetails(t *testing.T) {
	client := &fakeEntityClient{entities: map[string]types.EntityData{
		"step-1": {StepDetails: &types.StepDetailsData{
			JobID: "job-1", StepID: "step-1",
			SchemaVersion: "jobtemplate-2023-09", Template: envTemplate(),
			Dependencies: []string{"step-0"},
		}},
	}}
	var updates []types.SessionActionStatus
	q := testQueue(client, &updates)
	q.Replace([]types.SessionAction{{
		SessionActionID: "sessionaction-1",
		ActionType:      types.ActionTypeSyncInput,
		StepID:          "step-1",
	}})

	resolved, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resolved.StepDetails)
	assert.Equal(t, []string{"step-0"}, resolved.StepDetails.Dependencies)
	assert.Nil(t, resolved.JobAttachmentDetails)
}
