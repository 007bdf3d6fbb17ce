package types

// SessionActionType discriminates the session action wire variants
type SessionActionType string

const (
	ActionTypeEnvEnter  SessionActionType = "ENV_ENTER"
	ActionTypeEnvExit   SessionActionType = "ENV_EXIT"
	ActionTypeTaskRun   SessionActionType = "TASK_RUN"
	ActionTypeSyncInput SessionActionType = "SYNC_INPUT_JOB_ATTACHMENTS"
)

// ParameterValue is a tagged union of task parameter value kinds as they
// appear on the wire. Exactly one field is set.
type ParameterValue struct {
	String *string `json:"string,omitempty"`
	Path   *string `json:"path,omitempty"`
	Int    *string `json:"int,omitempty"`
	Float  *string `json:"float,omitempty"`
}

// SessionAction is a session action as received in the
// UpdateWorkerSchedule response. The ActionType field discriminates
// which of the optional fields are meaningful:
//
//	ENV_ENTER / ENV_EXIT            EnvironmentID
//	TASK_RUN                        StepID, TaskID, Parameters
//	SYNC_INPUT_JOB_ATTACHMENTS      StepID (optional)
type SessionAction struct {
	SessionActionID string                    `json:"sessionActionId"`
	ActionType      SessionActionType         `json:"actionType"`
	EnvironmentID   string                    `json:"environmentId,omitempty"`
	StepID          string                    `json:"stepId,omitempty"`
	TaskID          string                    `json:"taskId,omitempty"`
	Parameters      map[string]ParameterValue `json:"parameters,omitempty"`
}

// IsEnvAction returns whether the action enters or exits an environment
func (a SessionAction) IsEnvAction() bool {
	return a.ActionType == ActionTypeEnvEnter || a.ActionType == ActionTypeEnvExit
}

// AssignedSession is one session assignment from the service schedule.
// Assignments appear, mutate (their action list may grow or reorder),
// and disappear between heartbeats; disappearance means the session must
// be torn down.
type AssignedSession struct {
	QueueID          string            `json:"queueId"`
	JobID            string            `json:"jobId"`
	SessionActions   []SessionAction   `json:"sessionActions"`
	LogConfiguration *LogConfiguration `json:"logConfiguration,omitempty"`
}
