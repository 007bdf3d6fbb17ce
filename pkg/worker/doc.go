/*
Package worker implements the outer Worker of the farmhand agent: the
layer that owns the worker's registration, the fleet credential
refresher, the scheduler, and the host shutdown monitor.

# Lifecycle

Bootstrap:

 1. Load the persisted worker ID from the state file, or register via
    CreateWorker and persist the new ID (owner-only file permissions)
 2. Obtain fleet-role credentials (cached credentials are reused while
    fresh)
 3. Transition to STARTED with the host's capabilities and properties;
    the response may designate a remote stream for the agent's own log

Run:

  - The scheduler heartbeats and executes sessions
  - The host metadata monitor polls at 1 Hz for spot interruption and
    autoscaling lifecycle termination; a notice triggers a drain with
    the platform-provided grace
  - The fleet credential refresher keeps the worker credentials fresh;
    a fatal refresh failure triggers a drain whose grace is the time
    the credentials have left
  - SIGTERM/SIGINT trigger a short-grace drain

Shutdown:

  - The scheduler drains (STOPPING transition, session wind-down, final
    status flush), the worker reports STOPPED, and Run returns

A worker-not-found error from the service invalidates the persisted
registration: the caller discards the state file and bootstraps a fresh
identity.

# Exit Codes

The agent process exits 0 on a normal shutdown, 1 on configuration or
bootstrap failure, and nonzero on an unrecoverable fatal error.
*/
package worker
