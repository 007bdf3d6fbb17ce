package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/2023-10-12/farms/farm-1/fleets/fleet-1/workers/worker-1/schedule", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "updatedSessionActions")

		json.NewEncoder(w).Encode(map[string]any{
			"assignedSessions": map[string]any{
				"session-1": map[string]any{
					"queueId": "queue-1",
					"jobId":   "job-1",
					"sessionActions": []map[string]any{
						{"sessionActionId": "sessionaction-1", "actionType": "ENV_ENTER", "environmentId": "env-1"},
					},
				},
			},
			"cancelSessionActions":  map[string][]string{},
			"updateIntervalSeconds": 15,
		})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: server.URL})
	response, err := client.UpdateWorkerSchedule(context.Background(), &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
		UpdatedSessionActions: map[string]UpdatedSessionActionInfo{},
	})
	require.NoError(t, err)
	assert.Equal(t, 15, response.UpdateIntervalSeconds)
	require.Contains(t, response.AssignedSessions, "session-1")
	assert.Equal(t, "queue-1", response.AssignedSessions["session-1"].QueueID)
	require.Len(t, response.AssignedSessions["session-1"].SessionActions, 1)
	assert.Equal(t, "env-1", response.AssignedSessions["session-1"].SessionActions[0].EnvironmentID)
}

func TestHTTPClientDecodesServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"code":              "ConflictException",
			"message":           "worker is not online",
			"reason":            "STATUS_CONFLICT",
			"resourceId":        "worker-1",
			"context":           map[string]string{"status": "NOT_RESPONDING"},
			"retryAfterSeconds": 7,
		})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: server.URL})
	_, err := client.UpdateWorkerSchedule(context.Background(), &UpdateWorkerScheduleRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, ErrCodeConflict, svcErr.Code)
	assert.Equal(t, ConflictReasonStatusConflict, svcErr.Reason)
	assert.Equal(t, "worker-1", svcErr.ResourceID)
	assert.Equal(t, "NOT_RESPONDING", svcErr.ResourceStatus)
	assert.Equal(t, 7, svcErr.RetryAfterSeconds)
}

func TestHTTPClientRetryAfterHeaderFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "ThrottlingException",
			"message": "slow down",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: server.URL})
	err := client.DeleteWorker(context.Background(), &DeleteWorkerRequest{
		FarmID: "farm-1", FleetID: "fleet-1", WorkerID: "worker-1",
	})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, ErrCodeThrottling, svcErr.Code)
	assert.Equal(t, 12, svcErr.RetryAfterSeconds)
}
