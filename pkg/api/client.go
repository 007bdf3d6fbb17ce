package api

import (
	"context"
	"time"

	"github.com/cuemby/farmhand/pkg/types"
)

// AwsCredentials is a set of temporary role credentials as returned by
// the AssumeFleetRoleForWorker and AssumeQueueRoleForWorker operations
type AwsCredentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
}

// UpdatedSessionActionInfo reports progress or completion of a single
// session action in an UpdateWorkerSchedule request
type UpdatedSessionActionInfo struct {
	CompletedStatus types.CompletedStatus `json:"completedStatus,omitempty"`
	ProcessExitCode *int                  `json:"processExitCode,omitempty"`
	ProgressMessage string                `json:"progressMessage,omitempty"`
	StartedAt       *time.Time            `json:"startedAt,omitempty"`
	EndedAt         *time.Time            `json:"endedAt,omitempty"`
	UpdatedAt       *time.Time            `json:"updatedAt,omitempty"`
	ProgressPercent *float64              `json:"progressPercent,omitempty"`
}

// CreateWorkerRequest registers a new worker in a fleet
type CreateWorkerRequest struct {
	FarmID         string                `json:"-"`
	FleetID        string                `json:"-"`
	HostProperties *types.HostProperties `json:"hostProperties,omitempty"`
}

// CreateWorkerResponse carries the service-assigned worker ID
type CreateWorkerResponse struct {
	WorkerID string `json:"workerId"`
}

// DeleteWorkerRequest removes a worker registration
type DeleteWorkerRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
}

// UpdateWorkerRequest sets the worker status and capabilities
type UpdateWorkerRequest struct {
	FarmID         string                `json:"-"`
	FleetID        string                `json:"-"`
	WorkerID       string                `json:"-"`
	Status         types.WorkerStatus    `json:"status"`
	Capabilities   *types.Capabilities   `json:"capabilities,omitempty"`
	HostProperties *types.HostProperties `json:"hostProperties,omitempty"`
}

// UpdateWorkerResponse optionally carries the log configuration for the
// worker agent's own log
type UpdateWorkerResponse struct {
	Log *types.LogConfiguration `json:"log,omitempty"`
}

// UpdateWorkerScheduleRequest is the heartbeat request
type UpdateWorkerScheduleRequest struct {
	FarmID                string                              `json:"-"`
	FleetID               string                              `json:"-"`
	WorkerID              string                              `json:"-"`
	UpdatedSessionActions map[string]UpdatedSessionActionInfo `json:"updatedSessionActions"`
}

// UpdateWorkerScheduleResponse is the heartbeat response carrying the
// desired session set and cancellations
type UpdateWorkerScheduleResponse struct {
	AssignedSessions      map[string]types.AssignedSession `json:"assignedSessions"`
	CancelSessionActions  map[string][]string              `json:"cancelSessionActions"`
	UpdateIntervalSeconds int                              `json:"updateIntervalSeconds"`
	DesiredWorkerStatus   types.WorkerStatus               `json:"desiredWorkerStatus,omitempty"`
}

// BatchGetJobEntityRequest fetches a batch of job entities
type BatchGetJobEntityRequest struct {
	FarmID      string                   `json:"-"`
	FleetID     string                   `json:"-"`
	WorkerID    string                   `json:"-"`
	Identifiers []types.EntityIdentifier `json:"identifiers"`
}

// BatchGetJobEntityResponse carries per-entity payloads and errors
type BatchGetJobEntityResponse struct {
	Entities []types.EntityData  `json:"entities"`
	Errors   []types.EntityError `json:"errors"`
}

// AssumeFleetRoleRequest obtains fleet-level credentials for the worker
type AssumeFleetRoleRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
}

// AssumeQueueRoleRequest obtains per-queue credentials for job sessions
type AssumeQueueRoleRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
	QueueID  string `json:"-"`
}

// AssumeRoleResponse carries the assumed role credentials
type AssumeRoleResponse struct {
	Credentials AwsCredentials `json:"credentials"`
}

// Client is the dispatch service RPC surface the agent core depends on.
// Implementations return *ServiceError for service-reported failures;
// transport failures are returned as-is.
type Client interface {
	CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*CreateWorkerResponse, error)
	DeleteWorker(ctx context.Context, req *DeleteWorkerRequest) error
	UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*UpdateWorkerResponse, error)
	UpdateWorkerSchedule(ctx context.Context, req *UpdateWorkerScheduleRequest) (*UpdateWorkerScheduleResponse, error)
	BatchGetJobEntity(ctx context.Context, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error)
	AssumeFleetRoleForWorker(ctx context.Context, req *AssumeFleetRoleRequest) (*AssumeRoleResponse, error)
	AssumeQueueRoleForWorker(ctx context.Context, req *AssumeQueueRoleRequest) (*AssumeRoleResponse, error)

	// MaxJobEntityBatchSize is the service operation's declared maximum
	// number of identifiers per BatchGetJobEntity request
	MaxJobEntityBatchSize() int
}
