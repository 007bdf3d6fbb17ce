/*
Package api implements the dispatch service client used by the farmhand
worker agent.

The service protocol is JSON over HTTPS, but the rest of the agent
depends only on the logical request/response shapes defined here through
the Client interface. The package provides:

  - Client: the seven RPC operations the agent core uses
  - HTTPClient: the production JSON/HTTPS implementation
  - Per-operation wrappers (CreateWorker, UpdateWorker, ...) that apply
    the retry policy each operation requires
  - The error taxonomy used throughout the agent

# Error Taxonomy

Unrecoverable:
  - No retry will succeed (access denied, validation failure)
  - Surfaced to the caller; the enclosing loop stops

Recoverable:
  - Transient (throttled, internal server, concurrent modification)
  - Retried inside the operation wrapper with capped backoff

ConditionallyRecoverable:
  - May succeed depending on circumstance (access denied during a
    refresh, queue status conflict)
  - Propagated to the immediate caller; never auto-retried here

WorkerOffline / WorkerNotFound:
  - Special signals for the Worker layer, which may re-register or
    transition the worker back through STARTED

ErrInterrupted:
  - The caller-supplied interrupt was observed; the call is abandoned

# Retry Policy

Exponential backoff capped at 30 seconds. Once the attempt counter has
saturated the cap (attempt > 2*log2(cap)) the delay is drawn uniformly
from [0.8*cap, cap] so that a long-running agent cannot overflow the
exponent. A service-supplied retryAfterSeconds hint acts as a lower
bound on the delay, plus up to 20% jitter so that a fleet of workers
does not retry in lock-step.
*/
package api
