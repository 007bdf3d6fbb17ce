package types

import (
	"time"
)

// WorkerIdentity identifies a registered worker within a farm and fleet.
// It is created once during bootstrap, persisted to local state, and is
// immutable afterwards. A persisted identity is reused across agent
// restarts until the service reports the worker as unknown.
type WorkerIdentity struct {
	WorkerID string
	FarmID   string
	FleetID  string
}

// WorkerStatus represents the worker states understood by the service
type WorkerStatus string

const (
	WorkerStatusStarted  WorkerStatus = "STARTED"
	WorkerStatusStopped  WorkerStatus = "STOPPED"
	WorkerStatusStopping WorkerStatus = "STOPPING"

	// Statuses only ever reported back by the service in conflicts
	WorkerStatusNotResponding WorkerStatus = "NOT_RESPONDING"
	WorkerStatusNotCompatible WorkerStatus = "NOT_COMPATIBLE"
)

// CompletedStatus is the terminal status of a session action as reported
// to the service in UpdateWorkerSchedule
type CompletedStatus string

const (
	CompletedStatusSucceeded      CompletedStatus = "SUCCEEDED"
	CompletedStatusFailed         CompletedStatus = "FAILED"
	CompletedStatusInterrupted    CompletedStatus = "INTERRUPTED"
	CompletedStatusCanceled       CompletedStatus = "CANCELED"
	CompletedStatusNeverAttempted CompletedStatus = "NEVER_ATTEMPTED"
)

// ActionState is the state of an action as reported by the action runner
type ActionState string

const (
	ActionStateRunning  ActionState = "RUNNING"
	ActionStateSuccess  ActionState = "SUCCESS"
	ActionStateFailed   ActionState = "FAILED"
	ActionStateCanceled ActionState = "CANCELED"
	ActionStateTimeout  ActionState = "TIMEOUT"
)

// Terminal returns whether the state is a terminal runner state
func (s ActionState) Terminal() bool {
	return s != ActionStateRunning
}

// CompletedStatusForState maps a terminal runner state to the status
// reported to the service. TIMEOUT is reported as FAILED; the failure
// message carries the timeout detail.
func CompletedStatusForState(s ActionState) (CompletedStatus, bool) {
	switch s {
	case ActionStateSuccess:
		return CompletedStatusSucceeded, true
	case ActionStateFailed, ActionStateTimeout:
		return CompletedStatusFailed, true
	case ActionStateCanceled:
		return CompletedStatusCanceled, true
	}
	return "", false
}

// ActionStatus is a progress or completion report from the action runner
type ActionStatus struct {
	State         ActionState
	Progress      *float64
	ExitCode      *int
	StatusMessage string
	FailMessage   string
}

// SessionActionStatus is an accumulated status update for one session
// action. Updates are coalesced by action ID between heartbeats; the
// latest update wins, except that a stored terminal status is never
// overwritten by a later non-terminal one.
type SessionActionStatus struct {
	ID              string
	UpdateTime      *time.Time
	Status          *ActionStatus
	StartTime       *time.Time
	EndTime         *time.Time
	CompletedStatus CompletedStatus
}

// Terminal returns whether the update carries a terminal status
func (s SessionActionStatus) Terminal() bool {
	return s.CompletedStatus != ""
}

// LogConfiguration describes where a session's (or the worker's own)
// logs must be delivered
type LogConfiguration struct {
	Error      string            `json:"error,omitempty"`
	LogDriver  string            `json:"logDriver"`
	Options    map[string]string `json:"options,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// LogDriverRemote is the only log driver the agent can stream to. Any
// other driver downgrades the session to local-only logging.
const LogDriverRemote = "awslogs"

// IPAddresses holds the host's addresses reported to the service
type IPAddresses struct {
	IPV4Addresses []string `json:"ipV4Addresses,omitempty"`
	IPV6Addresses []string `json:"ipV6Addresses,omitempty"`
}

// HostProperties describes the host machine on CreateWorker/UpdateWorker
type HostProperties struct {
	HostName    string       `json:"hostName,omitempty"`
	IPAddresses *IPAddresses `json:"ipAddresses,omitempty"`
}

// Capabilities declares what work the worker host can take on
type Capabilities struct {
	Amounts    map[string]float64  `json:"amounts,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// PathMappingRule maps a source path prefix to a destination path.
// Rules are kept sorted by descending source path component count so
// that the longest prefix always matches first.
type PathMappingRule struct {
	SourcePathFormat string `json:"sourcePathFormat"`
	SourcePath       string `json:"sourcePath"`
	DestinationPath  string `json:"destinationPath"`
}

// PosixUser is the OS user identity that session subprocesses run as
type PosixUser struct {
	User  string `json:"user"`
	Group string `json:"group"`
}

// RunAs selects whether jobs run as the queue-configured user or as the
// agent process user
type RunAs string

const (
	RunAsQueueConfiguredUser RunAs = "QUEUE_CONFIGURED_USER"
	RunAsWorkerAgentUser     RunAs = "WORKER_AGENT_USER"
)

// JobRunAsUser is the queue's directive for the session OS user
type JobRunAsUser struct {
	Posix *PosixUser `json:"posix,omitempty"`
	RunAs RunAs      `json:"runAs"`
}
