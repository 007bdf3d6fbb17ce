/*
Package entities fetches and caches job entities from the dispatch
service's BatchGetJobEntity operation.

A Cache serves one job. Records are keyed by entity identity; data is
populated only by a successful batch fetch, and per-entity service
errors are stored so the next request for the same key returns the
cached error. Single-key requests piggy-back on batch calls, and batch
sizes are capped by the client's declared operation maximum.

Error policy:

  - Top-level request failures (worker not found, unrecoverable)
    propagate out of the cache unchanged
  - A per-entity MaxPayloadSizeExceeded is a soft signal: the record
    stays unresolved and is retried in later (smaller) batches
  - Other per-entity errors are stored on the record

Fetched payloads are validated into typed details (JobDetails,
StepDetails, EnvironmentDetails, JobAttachmentDetails); a template
schema version the agent does not understand yields an
*UnsupportedSchemaError so that only the affected action fails, with a
clear upgrade message.
*/
package entities
