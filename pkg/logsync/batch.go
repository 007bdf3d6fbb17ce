package logsync

import (
	"context"
	"fmt"
	"time"
)

// PutLogEvents service constraints. Every outgoing batch satisfies all
// of these.
const (
	// MaxBatchSizeBytes bounds sum(event size + EventPadding) per batch
	MaxBatchSizeBytes = 1048576

	// MaxEventsPerBatch bounds the event count per batch
	MaxEventsPerBatch = 10000

	// MaxLogEventSize bounds one event's message size in bytes; larger
	// messages are split on UTF-8 code point boundaries
	MaxLogEventSize = 256 * 1000

	// EventPadding is the per-event byte overhead the service accounts
	EventPadding = 26

	// MaxPutsPerSecond bounds PutLogEvents calls per stream per second
	MaxPutsPerSecond = 5
)

// Event time window constraints
const (
	// MaxFutureTimeDelta rejects events too far in the future
	MaxFutureTimeDelta = 2 * time.Hour

	// MaxPastTimeDelta rejects events older than the shortest log
	// retention the service allows
	MaxPastTimeDelta = 24 * time.Hour

	// MaxBatchTimeSpan bounds max-min timestamp within one batch
	MaxBatchTimeSpan = 24 * time.Hour
)

// LogEvent is one remote log record. Timestamp is in milliseconds since
// the Unix epoch.
type LogEvent struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Client is the remote log API surface (PutLogEvents-shaped). The
// concrete transport is injected by the caller.
type Client interface {
	PutLogEvents(ctx context.Context, logGroup, logStream string, events []LogEvent) error
}

// partitionedEvent is a log event whose encoded size has been computed
type partitionedEvent struct {
	event LogEvent
	size  int
}

// rejectedError reports why an event cannot join the current batch
type rejectedError struct {
	// batchFull means the event itself is fine and should open the next
	// batch
	batchFull bool

	// reason, when set, is prepended to the log stream so the drop is
	// visible where the logs are read
	reason string
}

func (e *rejectedError) Error() string {
	if e.batchFull {
		return "log event rejected: batch full"
	}
	return "log event rejected: " + e.reason
}

// eventBatch accumulates events for one PutLogEvents call
type eventBatch struct {
	events         []partitionedEvent
	sizeBytes      int
	minTimestampMS int64
	maxTimestampMS int64
}

func (b *eventBatch) count() int {
	return len(b.events)
}

func (b *eventBatch) preview(e partitionedEvent) string {
	message := e.event.Message
	if len(message) > 100 {
		message = message[:100] + " (truncated)"
	}
	return fmt.Sprintf("{timestamp: %d, message: %q}", e.event.Timestamp, message)
}

// add validates the event against every batch constraint and appends it
func (b *eventBatch) add(e partitionedEvent, now time.Time) error {
	if len(b.events)+1 > MaxEventsPerBatch {
		return &rejectedError{batchFull: true}
	}
	if b.sizeBytes+e.size+EventPadding > MaxBatchSizeBytes {
		return &rejectedError{batchFull: true}
	}

	eventTime := time.UnixMilli(e.event.Timestamp)
	if eventTime.After(now.Add(MaxFutureTimeDelta)) {
		return &rejectedError{
			reason: fmt.Sprintf(
				"Ignoring log event that is too far in the future (max %.0fs): %s",
				MaxFutureTimeDelta.Seconds(), b.preview(e),
			),
		}
	}
	if eventTime.Before(now.Add(-MaxPastTimeDelta)) {
		return &rejectedError{
			reason: fmt.Sprintf(
				"Ignoring log event that is older than %d days: %s",
				int(MaxPastTimeDelta.Hours())/24, b.preview(e),
			),
		}
	}

	minTS, maxTS := e.event.Timestamp, e.event.Timestamp
	if len(b.events) > 0 {
		if b.minTimestampMS < minTS {
			minTS = b.minTimestampMS
		}
		if b.maxTimestampMS > maxTS {
			maxTS = b.maxTimestampMS
		}
	}
	if time.Duration(maxTS-minTS)*time.Millisecond > MaxBatchTimeSpan {
		return &rejectedError{
			reason: fmt.Sprintf(
				"Ignoring log event that would exceed the max allowed time span in a batch of %.0fs: %s",
				MaxBatchTimeSpan.Seconds(), b.preview(e),
			),
		}
	}

	b.minTimestampMS = minTS
	b.maxTimestampMS = maxTS
	b.sizeBytes += e.size + EventPadding
	b.events = append(b.events, e)
	return nil
}
