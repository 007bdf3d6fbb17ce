/*
Package logsync ships session and worker logs to a remote log service
with CloudWatch Logs semantics, alongside local log files.

A StreamWriter owns one remote log stream. Producers append events; a
background goroutine batches and uploads them while enforcing every
service constraint:

  - at most 10,000 events per batch
  - at most 1 MiB per batch, counting 26 bytes of padding per event
  - at most 256 kB per event; larger messages are split on UTF-8 code
    point boundaries (backtracking from the byte cap so no multibyte
    sequence is ever sliced)
  - events within a batch span at most 24 hours
  - no event older than 24 hours or more than 2 hours in the future
  - at most 5 puts per stream per second, enforced with a one-second
    sliding window of put timestamps

Batches are stably sorted by timestamp before upload so that per-source
chronological order is preserved. Upload errors retry indefinitely with
a one second delay while the writer is running, and a bounded number of
times once it is stopping.

SessionLogger tees a session's subprocess output to the local file
<logs>/<queue_id>/<session_id>.log and to the session's remote stream as
resolved from the assignment's log configuration.
*/
package logsync
