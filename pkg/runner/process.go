package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultNotifyPeriod is how long a canceled subprocess is given to exit
// after SIGTERM before it is killed
const DefaultNotifyPeriod = 30 * time.Second

// scriptAction is one executable action of a template script
type scriptAction struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// scriptModel is the subset of the template script model the process
// runner executes
type scriptModel struct {
	Actions struct {
		OnEnter *scriptAction `json:"onEnter,omitempty"`
		OnExit  *scriptAction `json:"onExit,omitempty"`
		OnRun   *scriptAction `json:"onRun,omitempty"`
	} `json:"actions"`
}

// template is the common shape of environment and step templates
type template struct {
	Name   string      `json:"name"`
	Script scriptModel `json:"script"`
}

type enteredEnvironment struct {
	envID    string
	template template
	osEnv    map[string]string
}

// ProcessRunner runs session actions as child processes on the local
// host. Subprocesses run under the configured OS user via sudo when one
// is set; otherwise they run as the agent process user.
type ProcessRunner struct {
	cfg        Config
	logger     zerolog.Logger
	workingDir string

	mu           sync.Mutex
	environments map[EnvironmentHandle]*enteredEnvironment
	current      *exec.Cmd
	currentDone  chan struct{}
	lastStatus   *types.ActionStatus
	canceled     bool
}

// NewProcessRunner creates the session working directory and returns a
// process-based Runner
func NewProcessRunner(cfg Config) (Runner, error) {
	workingDir := filepath.Join(cfg.RootDir, cfg.SessionID)
	if err := os.MkdirAll(workingDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session working directory: %w", err)
	}
	return &ProcessRunner{
		cfg:          cfg,
		logger:       log.WithSessionID(cfg.SessionID),
		workingDir:   workingDir,
		environments: make(map[EnvironmentHandle]*enteredEnvironment),
	}, nil
}

func (r *ProcessRunner) WorkingDirectory() string {
	return r.workingDir
}

func (r *ProcessRunner) ActionStatus() *types.ActionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastStatus == nil {
		return nil
	}
	status := *r.lastStatus
	return &status
}

func (r *ProcessRunner) EnterEnvironment(envID string, raw json.RawMessage, osEnv map[string]string) (EnvironmentHandle, error) {
	var parsed template
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parsing environment template: %w", err)
	}
	handle := EnvironmentHandle(uuid.NewString())

	r.mu.Lock()
	r.environments[handle] = &enteredEnvironment{envID: envID, template: parsed, osEnv: osEnv}
	r.mu.Unlock()

	if parsed.Script.Actions.OnEnter == nil {
		// Nothing to run; the environment is trivially entered
		go r.report(types.ActionStatus{State: types.ActionStateSuccess})
		return handle, nil
	}
	if err := r.startAction(parsed.Script.Actions.OnEnter, nil, osEnv); err != nil {
		r.mu.Lock()
		delete(r.environments, handle)
		r.mu.Unlock()
		return "", err
	}
	return handle, nil
}

func (r *ProcessRunner) ExitEnvironment(handle EnvironmentHandle) error {
	r.mu.Lock()
	env, ok := r.environments[handle]
	if ok {
		delete(r.environments, handle)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("environment handle %s is not entered", handle)
	}
	if env.template.Script.Actions.OnExit == nil {
		go r.report(types.ActionStatus{State: types.ActionStateSuccess})
		return nil
	}
	return r.startAction(env.template.Script.Actions.OnExit, nil, env.osEnv)
}

func (r *ProcessRunner) RunTask(raw json.RawMessage, parameters map[string]types.ParameterValue, osEnv map[string]string) error {
	var parsed template
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing step template: %w", err)
	}
	if parsed.Script.Actions.OnRun == nil {
		return fmt.Errorf("step template %q has no onRun action", parsed.Name)
	}
	return r.startAction(parsed.Script.Actions.OnRun, parameters, osEnv)
}

// startAction launches the action subprocess and a goroutine that waits
// on it and reports the terminal status
func (r *ProcessRunner) startAction(action *scriptAction, parameters map[string]types.ParameterValue, osEnv map[string]string) error {
	env := os.Environ()
	for key, value := range r.cfg.Env {
		env = append(env, key+"="+value)
	}
	for key, value := range osEnv {
		env = append(env, key+"="+value)
	}
	for name, value := range parameters {
		env = append(env, "TASK_PARAM_"+strings.ToUpper(name)+"="+parameterString(value))
	}

	var cmd *exec.Cmd
	if user := r.cfg.OSUser; user != nil {
		args := append([]string{"-u", user.User, "-g", user.Group, "--", action.Command}, action.Args...)
		cmd = exec.Command("sudo", args...)
	} else {
		cmd = exec.Command(action.Command, action.Args...)
	}
	cmd.Dir = r.workingDir
	cmd.Env = env
	if r.cfg.LogWriter != nil {
		cmd.Stdout = r.cfg.LogWriter
		cmd.Stderr = r.cfg.LogWriter
	}
	// Give the subprocess its own process group so that cancellation
	// signals reach its whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return fmt.Errorf("an action subprocess is already running")
	}
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("starting action subprocess: %w", err)
	}
	r.current = cmd
	r.canceled = false
	done := make(chan struct{})
	r.currentDone = done
	r.mu.Unlock()

	r.report(types.ActionStatus{State: types.ActionStateRunning})

	var timeout <-chan time.Time
	var timer *time.Timer
	if action.TimeoutSeconds > 0 {
		timer = time.NewTimer(time.Duration(action.TimeoutSeconds) * time.Second)
		timeout = timer.C
	}

	go func() {
		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

		var err error
		timedOut := false
		select {
		case err = <-waitErr:
		case <-timeout:
			timedOut = true
			r.terminate(cmd)
			err = <-waitErr
		}
		if timer != nil {
			timer.Stop()
		}

		r.mu.Lock()
		canceled := r.canceled
		r.current = nil
		r.mu.Unlock()
		close(done)

		exitCode := cmd.ProcessState.ExitCode()
		switch {
		case timedOut:
			r.report(types.ActionStatus{
				State:       types.ActionStateTimeout,
				ExitCode:    &exitCode,
				FailMessage: fmt.Sprintf("action exceeded its run time limit of %d seconds", action.TimeoutSeconds),
			})
		case canceled:
			r.report(types.ActionStatus{
				State:       types.ActionStateCanceled,
				ExitCode:    &exitCode,
				FailMessage: "Canceled",
			})
		case err != nil:
			r.report(types.ActionStatus{
				State:       types.ActionStateFailed,
				ExitCode:    &exitCode,
				FailMessage: fmt.Sprintf("action subprocess failed: %v", err),
			})
		default:
			r.report(types.ActionStatus{
				State:    types.ActionStateSuccess,
				ExitCode: &exitCode,
			})
		}
	}()
	return nil
}

// CancelAction initiates cancellation of the in-flight subprocess. The
// subprocess group is notified with SIGTERM and killed if it has not
// exited within the time limit. The call returns immediately; the
// terminal CANCELED status arrives through the status callback.
func (r *ProcessRunner) CancelAction(timeLimit *time.Duration) error {
	r.mu.Lock()
	cmd := r.current
	done := r.currentDone
	if cmd == nil {
		r.mu.Unlock()
		return nil
	}
	r.canceled = true
	r.mu.Unlock()

	notifyPeriod := DefaultNotifyPeriod
	if timeLimit != nil {
		notifyPeriod = *timeLimit
	}

	// Notify: SIGTERM the process group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to signal action subprocess")
	}

	go func() {
		select {
		case <-done:
		case <-time.After(notifyPeriod):
			r.terminate(cmd)
		}
	}()
	return nil
}

func (r *ProcessRunner) terminate(cmd *exec.Cmd) {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to kill action subprocess")
	}
}

func (r *ProcessRunner) Cleanup() error {
	r.mu.Lock()
	cmd := r.current
	r.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		r.terminate(cmd)
	}
	if r.cfg.RetainWorkingDir {
		r.logger.Info().Str("dir", r.workingDir).Msg("Retaining session working directory")
		return nil
	}
	return os.RemoveAll(r.workingDir)
}

func (r *ProcessRunner) report(status types.ActionStatus) {
	r.mu.Lock()
	r.lastStatus = &status
	r.mu.Unlock()
	if r.cfg.Callback != nil {
		r.cfg.Callback(status)
	}
}

func parameterString(value types.ParameterValue) string {
	switch {
	case value.String != nil:
		return *value.String
	case value.Path != nil:
		return *value.Path
	case value.Int != nil:
		return *value.Int
	case value.Float != nil:
		return *value.Float
	}
	return ""
}
