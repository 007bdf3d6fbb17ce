package logsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// idleSleep avoids a tight loop when no events are pending
	idleSleep = 200 * time.Millisecond

	// putErrorDelay is the pause after a failed put
	putErrorDelay = time.Second

	// putErrorStoppedRetries bounds retries once the writer is stopping;
	// while running, puts retry indefinitely
	putErrorStoppedRetries = 5
)

// StreamWriter batches log events and ships them to one remote log
// stream, hiding the service limits from producers: batch size and
// count caps, per-event size splitting, the batch time-span window, and
// the per-stream put rate.
type StreamWriter struct {
	client    Client
	logGroup  string
	logStream string
	logger    zerolog.Logger

	mu       sync.Mutex
	incoming []LogEvent

	prevPutTimes []time.Time
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}

	// now and sleeper are test seams
	now     func() time.Time
	sleeper func(time.Duration)
}

// NewStreamWriter starts the writer's background goroutine
func NewStreamWriter(client Client, logGroup, logStream string) *StreamWriter {
	w := &StreamWriter{
		client:    client,
		logGroup:  logGroup,
		logStream: logStream,
		logger: log.WithComponent("logsync").With().
			Str("log_group", logGroup).
			Str("log_stream", logStream).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
		sleeper: time.Sleep,
	}
	go w.run()
	return w
}

// Append queues one event for delivery. Blank messages are padded with a
// single space; the service requires a minimum message length of one.
func (w *StreamWriter) Append(event LogEvent) {
	if event.Message == "" {
		event.Message = " "
	}
	w.mu.Lock()
	w.incoming = append(w.incoming, event)
	w.mu.Unlock()
}

// Close flushes pending events and stops the writer
func (w *StreamWriter) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *StreamWriter) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *StreamWriter) run() {
	defer close(w.done)
	part := &partitioner{}

	for {
		w.mu.Lock()
		pending := w.incoming
		w.incoming = nil
		w.mu.Unlock()
		for _, event := range pending {
			part.append(event)
		}

		if w.stopping() && !part.hasItems() {
			return
		}

		events := w.collectBatch(part)
		if len(events) == 0 {
			if w.stopping() {
				continue
			}
			w.sleeper(idleSleep)
			continue
		}
		w.uploadBatch(events)
	}
}

// collectBatch drains as many events as satisfy the batch constraints,
// stably sorted by timestamp. Producers on different goroutines can
// interleave non-chronologically; the service requires chronological
// order within one put.
func (w *StreamWriter) collectBatch(part *partitioner) []LogEvent {
	batch := &eventBatch{}
	now := w.now()
	for {
		event, ok := part.next()
		if !ok {
			break
		}
		if err := batch.add(event, now); err != nil {
			var rejected *rejectedError
			if errors.As(err, &rejected) {
				if rejected.reason != "" {
					// Make the drop visible in the stream itself
					part.pushFront(partitionedEvent{
						event: LogEvent{Timestamp: event.event.Timestamp, Message: rejected.reason},
						size:  len(rejected.reason),
					})
				}
				if rejected.batchFull {
					part.pushFront(event)
					break
				}
				continue
			}
			w.logger.Error().Err(err).Msg("Unexpected batch rejection")
		}
	}

	events := make([]LogEvent, len(batch.events))
	for i, e := range batch.events {
		events[i] = e.event
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

// uploadBatch puts one batch, retrying indefinitely while running and up
// to a bounded number of times once stopping
func (w *StreamWriter) uploadBatch(events []LogEvent) {
	w.throttle()
	stopAttempts := putErrorStoppedRetries
	for stopAttempts > 0 {
		err := w.client.PutLogEvents(context.Background(), w.logGroup, w.logStream, events)
		if err == nil {
			metrics.LogBatchesShipped.Inc()
			metrics.LogEventsShipped.Add(float64(len(events)))
			return
		}
		if w.stopping() {
			stopAttempts--
			w.logger.Error().Err(err).
				Int("attempts_remaining", stopAttempts).
				Msg("Error uploading log batch while stopping")
		} else {
			w.logger.Error().Err(err).Msg("Error uploading log batch")
		}
		w.sleeper(putErrorDelay)
	}
	w.logger.Error().Msg("Unable to upload logs before shutdown")
}

// throttle enforces the per-stream put rate with a one-second sliding
// window of recent put timestamps: when the window holds the maximum
// number of entries, sleep until the oldest ages out.
func (w *StreamWriter) throttle() {
	now := w.now()

	if len(w.prevPutTimes) >= MaxPutsPerSecond {
		recent := w.prevPutTimes[:0]
		for _, t := range w.prevPutTimes {
			if now.Sub(t) < time.Second {
				recent = append(recent, t)
			}
		}
		w.prevPutTimes = recent

		if len(w.prevPutTimes) >= MaxPutsPerSecond {
			oldest := w.prevPutTimes[0]
			w.sleeper(time.Second - now.Sub(oldest))
		}
	}
	w.prevPutTimes = append(w.prevPutTimes, now)
}
