/*
Package events provides an in-process publish/subscribe broker for
worker telemetry events.

Components publish events (session lifecycle, action completion,
attachment sync summaries and failures, credential expiry warnings) and
any number of subscribers consume them: the metrics exporter, tests, or
an operator-facing stream.

Delivery is best effort. A subscriber whose buffer is full misses the
event rather than blocking the publisher; the broker sits on the hot
path of action status reporting and must never stall it.
*/
package events
