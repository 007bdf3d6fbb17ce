/*
Package credentials manages the role credentials of the farmhand worker
agent: the worker's fleet-role credentials and the per-queue role
credentials used by job sessions.

# Slots

Every credential set lives in a Slot with atomic snapshot semantics: a
reader always observes an access key, secret key, and session token from
the same refresh cycle. Slots implement aws.CredentialsProvider.

# Refresh Lifecycle

A Refresher keeps a Source fresh for as long as at least one scope holds
it entered (Enter/Exit are re-entrant across goroutines). Two thresholds
govern the schedule, borrowing botocore's terms:

  - advisory (>= 15 minutes): while the credentials outlive this
    threshold, the next refresh is scheduled for the moment the window
    opens; inside the window the refresher retries every minute
  - mandatory (>= 10 minutes, at least 5 minutes under advisory): if a
    refresh attempt leaves less lifetime than this, the failure callback
    receives an *ExpiringError and refreshing stops

Unrecoverable refresh errors invoke the callback and stop the
refresher; conditionally recoverable ones invoke the callback and keep
retrying; an external interrupt stops it with no callback.

# On-Disk Layout

Credential files use the AWS credential-process JSON shape (Version 1,
ISO-8601 UTC expiration) with mode rw------- (rw-r----- when a session
OS user must read them). Each queue additionally gets a wrapper script
that prints the cached JSON, registered as an AWS profile named
deadline-<queue_id> in the session user's ~/.aws/config and
~/.aws/credentials; subprocesses pick it up through AWS_PROFILE.
*/
package credentials
