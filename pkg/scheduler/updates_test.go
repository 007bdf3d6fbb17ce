package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testScheduler() *WorkerScheduler {
	return New(Config{
		Identity: types.WorkerIdentity{WorkerID: "worker-1", FarmID: "farm-1", FleetID: "fleet-1"},
	})
}

func runningUpdate(id string, at time.Time) types.SessionActionStatus {
	return types.SessionActionStatus{
		ID:         id,
		UpdateTime: &at,
		Status:     &types.ActionStatus{State: types.ActionStateRunning},
	}
}

func terminalUpdate(id string, status types.CompletedStatus) types.SessionActionStatus {
	now := time.Now().UTC()
	return types.SessionActionStatus{
		ID:              id,
		CompletedStatus: status,
		StartTime:       &now,
		EndTime:         &now,
		Status:          &types.ActionStatus{State: types.ActionStateFailed},
	}
}

func TestPostUpdateCoalescesByActionID(t *testing.T) {
	s := testScheduler()
	first := time.Now().UTC()
	second := first.Add(time.Second)

	s.HandleActionUpdateGuarded(runningUpdate("sessionaction-1", first))
	s.HandleActionUpdateGuarded(runningUpdate("sessionaction-1", second))

	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	require.Len(t, s.pendingUpdates, 1)
	assert.True(t, s.pendingUpdates["sessionaction-1"].UpdateTime.Equal(second))
}

func TestPostUpdateNeverRegressesFromTerminal(t *testing.T) {
	s := testScheduler()
	s.HandleActionUpdateGuarded(terminalUpdate("sessionaction-1", types.CompletedStatusSucceeded))
	s.HandleActionUpdateGuarded(runningUpdate("sessionaction-1", time.Now().UTC()))

	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	assert.Equal(t, types.CompletedStatusSucceeded, s.pendingUpdates["sessionaction-1"].CompletedStatus)
}

// TestCommitRemovesOnlySentUpdates covers the commit-identity
// transaction: an update rewritten while the request was in flight must
// survive the commit.
func TestCommitRemovesOnlySentUpdates(t *testing.T) {
	s := testScheduler()
	first := time.Now().UTC()
	s.HandleActionUpdateGuarded(runningUpdate("sessionaction-1", first))
	s.HandleActionUpdateGuarded(terminalUpdate("sessionaction-2", types.CompletedStatusSucceeded))

	updates, commit := s.collectUpdates()
	require.Len(t, updates, 2)

	// While the request is "in flight", the first action progresses
	s.HandleActionUpdateGuarded(terminalUpdate("sessionaction-1", types.CompletedStatusFailed))

	commit()

	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	require.Len(t, s.pendingUpdates, 1)
	assert.Equal(t, types.CompletedStatusFailed, s.pendingUpdates["sessionaction-1"].CompletedStatus,
		"the newer terminal update must survive the commit")
}

func TestCommitIsStableWhenNothingChanged(t *testing.T) {
	s := testScheduler()
	s.HandleActionUpdateGuarded(terminalUpdate("sessionaction-1", types.CompletedStatusSucceeded))

	_, commit := s.collectUpdates()
	commit()

	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	assert.Empty(t, s.pendingUpdates)
}

func TestFailAllActions(t *testing.T) {
	s := testScheduler()
	s.failAllActions(types.AssignedSession{
		QueueID: "queue-1", JobID: "job-1",
		SessionActions: []types.SessionAction{
			{SessionActionID: "sessionaction-1", ActionType: types.ActionTypeEnvEnter, EnvironmentID: "env-1"},
			{SessionActionID: "sessionaction-2", ActionType: types.ActionTypeTaskRun, StepID: "step-1", TaskID: "task-1"},
			{SessionActionID: "sessionaction-3", ActionType: types.ActionTypeEnvExit, EnvironmentID: "env-1"},
		},
	}, "failed to provision session log")

	s.updateLock.Lock()
	defer s.updateLock.Unlock()
	require.Len(t, s.pendingUpdates, 3)
	assert.Equal(t, types.CompletedStatusFailed, s.pendingUpdates["sessionaction-1"].CompletedStatus)
	assert.Equal(t, types.CompletedStatusNeverAttempted, s.pendingUpdates["sessionaction-2"].CompletedStatus)
	assert.Equal(t, types.CompletedStatusNeverAttempted, s.pendingUpdates["sessionaction-3"].CompletedStatus)
	assert.Equal(t, "failed to provision session log", s.pendingUpdates["sessionaction-1"].Status.FailMessage)

	// The failure wakes the heartbeat loop for prompt transmission
	select {
	case <-s.wakeup:
	default:
		t.Fatal("failAllActions must wake the scheduler")
	}
}

func TestUpdateToWireTruncatesProgressMessage(t *testing.T) {
	long := strings.Repeat("x", maxProgressMessageChars+100)
	now := time.Now().UTC()
	wire := updateToWire(types.SessionActionStatus{
		ID:              "sessionaction-1",
		CompletedStatus: types.CompletedStatusFailed,
		StartTime:       &now,
		EndTime:         &now,
		Status:          &types.ActionStatus{State: types.ActionStateFailed, FailMessage: long},
	})
	assert.Len(t, wire.ProgressMessage, maxProgressMessageChars)
}

func TestUpdateToWireClampsProgressPercent(t *testing.T) {
	now := time.Now().UTC()
	over := 140.0
	wire := updateToWire(types.SessionActionStatus{
		ID:         "sessionaction-1",
		UpdateTime: &now,
		Status:     &types.ActionStatus{State: types.ActionStateRunning, Progress: &over},
	})
	require.NotNil(t, wire.ProgressPercent)
	assert.Equal(t, 100.0, *wire.ProgressPercent)

	under := -3.0
	wire = updateToWire(types.SessionActionStatus{
		ID:         "sessionaction-1",
		UpdateTime: &now,
		Status:     &types.ActionStatus{State: types.ActionStateRunning, Progress: &under},
	})
	require.NotNil(t, wire.ProgressPercent)
	assert.Equal(t, 0.0, *wire.ProgressPercent)
}

func TestUpdateToWireRunningUsesUpdatedAt(t *testing.T) {
	now := time.Now().UTC()
	wire := updateToWire(runningUpdate("sessionaction-1", now))
	assert.Empty(t, wire.CompletedStatus)
	require.NotNil(t, wire.UpdatedAt)
	assert.True(t, wire.UpdatedAt.Equal(now))
}
