/*
Package journal persists terminal action statuses that the service has
not yet acknowledged.

The scheduler writes a terminal status to the journal the moment it is
recorded locally and deletes it once an UpdateWorkerSchedule response
confirms the service received it. If the agent crashes or a drain runs
out of grace before the final flush, the statuses survive on disk and
are flushed on the next start.
*/
package journal
