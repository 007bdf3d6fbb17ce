/*
Package session implements the per-assignment execution engine of the
farmhand worker agent.

A Session runs one assignment from the service schedule: an ordered
queue of actions (enter environment, run task, sync input attachments,
exit environment) executed one at a time under a single OS user within
one working directory.

# Run Loop

	while not stopped:
	    with update lock, current-action lock:
	        if no current action:
	            dequeue and start the next action
	    sleep poll interval

The runner reports action progress asynchronously; the session
translates those reports into service status updates:

  - RUNNING            progress update with update time
  - SUCCESS (task)     output attachments synced, then SUCCEEDED/FAILED
  - SUCCESS (other)    SUCCEEDED, current action cleared
  - FAILED/CANCELED    terminal status; pending non-ENV_EXIT actions
    become NEVER_ATTEMPTED
  - TIMEOUT            FAILED with a timeout message

# Invariants

  - At most one current action at any time; the queue never contains
    the running action
  - Environments are exited in exactly the reverse of their entry
    order, even under drain; ENV_EXIT actions are never canceled by a
    drain-all
  - Once a session is interrupted, runner callbacks for the in-flight
    action are suppressed; only the stop-initiated status is reported

# Locks

Two locks, always acquired in order: the scheduler-owned update lock
(protects the pending-updates map) then the session-owned
current-action lock. The run loop holds both while it dequeues and
starts the next action, which can include a just-in-time job entity
fetch and the subprocess launch; neither is held while an action runs.
*/
package session
