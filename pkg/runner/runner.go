package runner

import (
	"encoding/json"
	"io"
	"time"

	"github.com/cuemby/farmhand/pkg/types"
)

// EnvironmentHandle identifies an entered environment within the
// runner's session. It pairs with the job environment ID on the
// session's active-environment stack and is required to exit the
// environment.
type EnvironmentHandle string

// StatusCallback receives action progress and completion reports from a
// Runner. The final call for an action carries a terminal state.
type StatusCallback func(status types.ActionStatus)

// Runner executes the actions of a single session, reporting progress
// and completion asynchronously through the session's status callback.
//
// A Runner runs at most one action at a time; the session guarantees
// single-flight. Implementations sandbox the subprocesses as they see
// fit; the agent core depends only on this surface.
type Runner interface {
	// EnterEnvironment starts the environment's onEnter action. The
	// returned handle must be passed to ExitEnvironment.
	EnterEnvironment(envID string, template json.RawMessage, osEnv map[string]string) (EnvironmentHandle, error)

	// ExitEnvironment starts the environment's onExit action
	ExitEnvironment(handle EnvironmentHandle) error

	// RunTask starts a step's task action with the given parameters
	RunTask(template json.RawMessage, parameters map[string]types.ParameterValue, osEnv map[string]string) error

	// CancelAction cancels the in-flight action. The runner notifies the
	// subprocess first and force-terminates it if it has not exited
	// within the time limit (or the runner's default notify period when
	// timeLimit is nil).
	CancelAction(timeLimit *time.Duration) error

	// ActionStatus returns the most recent status of the in-flight
	// action, or nil when no action has been started
	ActionStatus() *types.ActionStatus

	// WorkingDirectory is the session's working directory on disk
	WorkingDirectory() string

	// Cleanup releases the session's runtime resources (working
	// directory, leftover subprocesses)
	Cleanup() error
}

// Config carries everything a Runner needs to host one session
type Config struct {
	SessionID string

	// OSUser is the user to run subprocesses as; nil runs them as the
	// agent process user
	OSUser *types.PosixUser

	// Env is the base OS environment injected into every subprocess
	Env map[string]string

	// LogWriter receives the combined stdout/stderr of every action
	// subprocess (the session log)
	LogWriter io.Writer

	// Callback receives status reports for the in-flight action
	Callback StatusCallback

	// RootDir is the directory under which the session working
	// directory is created
	RootDir string

	// RetainWorkingDir leaves the session working directory on disk
	// after cleanup
	RetainWorkingDir bool
}

// Factory creates a Runner for one session. The scheduler holds a
// Factory so tests and alternative sandboxes can be substituted.
type Factory func(cfg Config) (Runner, error)
