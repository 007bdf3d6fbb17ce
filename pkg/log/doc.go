/*
Package log provides structured logging for the farmhand worker agent.

The package wraps zerolog with a small set of helpers so that every
component logs through the same global logger with consistent field
names. Child loggers carry contextual identifiers (worker, session,
queue, action) so that the agent log can be filtered per entity.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("session_id", id).Msg("Session created")

Note that the session logs produced by running actions (the render
output) do NOT go through this package; they are captured per session
and shipped by pkg/logsync. This package is for the agent's own log.
*/
package log
