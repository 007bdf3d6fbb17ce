/*
Package queue implements the per-session ordered queue of pending
session actions.

The queue stores actions exactly as received from the service schedule.
Replace diffs the incoming list by action ID: existing records (and
their private cancel signals) are retained, new records appended, and
absent records dropped — replaying the same list is idempotent. There is
no reordering inside a session; priority is a service-level concern
already reflected in the list order.

Dequeue pops the head and resolves its job entity just in time through
the session's entity cache. Resolution failures (including unsupported
template schema versions) are returned as *ActionError carrying the
action ID so the session can fail exactly that action and cascade the
rest.

Cancelling a record removes it, posts its terminal update (FAILED with
timestamps, or NEVER_ATTEMPTED without), and fires its cancel signal so
any in-flight entity fetch for it aborts. CancelAll can skip ENV_EXIT
actions: entered environments must still be exited during cleanup.
*/
package queue
