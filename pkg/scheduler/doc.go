/*
Package scheduler implements the worker scheduler: the heartbeat loop
that keeps the worker's local session set reconciled with the service
schedule.

# Heartbeat Cycle

Each iteration:

 1. Snapshot pending action status updates under the update lock
 2. Call UpdateWorkerSchedule with the updates; receive the assigned
    session set, per-session cancellations, the next poll interval, and
    an optional desired STOPPED status
 3. Commit: remove from the pending map exactly the entries whose
    identity (action ID plus terminal status or update time) matches
    what was sent, so newer writes survive
 4. Reconcile: remove sessions no longer assigned, release queue
    credentials with no remaining sessions, create newly assigned
    sessions, and apply cancellations/action-list replacements/log
    parameter updates to the rest
 5. Sleep for the service-provided interval, or until a wake event
    (action update posted, session idle, shutdown initiated)

Session creation runs a sequence of startup steps (log file, log
configuration, job details, queue credentials, attachment engine); each
failure marks the assignment's actions FAILED/NEVER_ATTEMPTED and the
next heartbeat reports them.

# Drain

Shutdown(grace, message) initiates the drain: the worker transitions to
STOPPING at the service (bounded by 10% of the grace or five seconds),
every session is stopped concurrently with INTERRUPTED and the
remaining grace (minus one second reserved for the final flush), queue
credentials are released, and one final non-interruptible
UpdateWorkerSchedule call flushes the interrupted-action updates.

# Error Handling

A worker-not-found or worker-offline error from the heartbeat exits
Run unrecoverably; the outer Worker decides whether to re-register or
re-START. Throttling and concurrent-modification are retried inside the
api package per its policy.
*/
package scheduler
