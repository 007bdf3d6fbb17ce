/*
Package runner defines the action runner surface of the farmhand worker
agent, plus a process-based implementation for hosts where the render
workload runs directly as child processes.

A Runner hosts the subprocess execution for one session. The agent core
never touches processes itself; it hands the runner an action (enter an
environment, exit an environment, run a task) and consumes asynchronous
status callbacks:

	RUNNING -> SUCCESS | FAILED | CANCELED | TIMEOUT

Cancellation is notify-then-terminate: the subprocess group receives
SIGTERM and is given the caller's time limit (or the default notify
period) to exit before SIGKILL.

The ProcessRunner interprets the script portion of environment and step
templates:

	{
	  "name": "render",
	  "script": {
	    "actions": {
	      "onRun": {"command": "/usr/bin/render", "args": ["--frame", "1"]}
	    }
	  }
	}

Task parameters are exported to the subprocess as TASK_PARAM_* OS
environment variables. When the session has an OS user, subprocesses are
launched through sudo under that user and group.
*/
package runner
