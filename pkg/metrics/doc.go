/*
Package metrics exposes Prometheus metrics for the farmhand worker
agent.

Collectors cover the heartbeat loop (call counts by outcome, round-trip
duration), sessions and actions (running sessions, completions by
terminal status, durations by action type), the attachment engine
(bytes transferred, sync failures), the log pipeline (batches and
events shipped), and credential refreshes.

Serve them with the standard handler:

	http.Handle("/metrics", metrics.Handler())

The Timer helper times an operation and records it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatDuration)
*/
package metrics
