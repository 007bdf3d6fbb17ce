/*
Package types defines the shared data model of the farmhand worker agent.

The types here mirror the wire shapes of the dispatch service protocol
(JSON over HTTPS) plus the agent's own domain enumerations. Tagged
unions on the wire (session actions, job entity identifiers, entity
payloads, entity errors) are modelled as structs whose discriminator
selects the meaningful fields; exactly one pointer member of a union
struct is ever non-nil.

# Core Entities

WorkerIdentity:
  - Immutable triple of worker, farm and fleet IDs
  - Persisted locally; reused across restarts

AssignedSession / SessionAction:
  - The service-dictated desired state carried in each heartbeat
  - Action lists may grow or reorder between heartbeats

SessionActionStatus:
  - Accumulated per-action status between heartbeats
  - Coalesced by action ID, latest wins, terminal never regresses

Job entities (JobDetails, StepDetails, EnvironmentDetails,
JobAttachmentDetails):
  - Fetched in batches via BatchGetJobEntity
  - Each carries a schema version that the agent validates

# State Machines

Worker:    STARTED -> STOPPING -> STOPPED
Action:    ASSIGNED -> RUNNING* -> SUCCEEDED | FAILED | CANCELED |

	INTERRUPTED | NEVER_ATTEMPTED
*/
package types
