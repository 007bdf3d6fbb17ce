package logsync

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventAt(ts time.Time, message string) partitionedEvent {
	return partitionedEvent{
		event: LogEvent{Timestamp: ts.UnixMilli(), Message: message},
		size:  len(message),
	}
}

func TestBatchRejectsWhenCountFull(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	for i := 0; i < MaxEventsPerBatch; i++ {
		require.NoError(t, batch.add(eventAt(now, "x"), now))
	}
	err := batch.add(eventAt(now, "overflow"), now)
	var rejected *rejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.batchFull)
	assert.Empty(t, rejected.reason)
}

func TestBatchRejectsWhenSizeFull(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	big := strings.Repeat("x", MaxLogEventSize)
	// 4 events of 256000+26 bytes leave less than a fifth event's room
	for i := 0; i < 4; i++ {
		require.NoError(t, batch.add(eventAt(now, big), now))
	}
	err := batch.add(eventAt(now, big), now)
	var rejected *rejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.batchFull)

	// sum(size + padding) must stay within the cap
	assert.LessOrEqual(t, batch.sizeBytes, MaxBatchSizeBytes)
}

func TestBatchRejectsFarFutureEvent(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	err := batch.add(eventAt(now.Add(3*time.Hour), "from the future"), now)
	var rejected *rejectedError
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.batchFull)
	assert.Contains(t, rejected.reason, "future")
	assert.Zero(t, batch.count())
}

func TestBatchRejectsAncientEvent(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	err := batch.add(eventAt(now.Add(-25*time.Hour), "too old"), now)
	var rejected *rejectedError
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.batchFull)
	assert.Contains(t, rejected.reason, "older")
}

func TestBatchRejectsExcessiveTimeSpan(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	require.NoError(t, batch.add(eventAt(now.Add(-23*time.Hour), "old end"), now))
	err := batch.add(eventAt(now.Add(90*time.Minute), "new end"), now)
	var rejected *rejectedError
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.batchFull)
	assert.Contains(t, rejected.reason, "time span")
	assert.Equal(t, 1, batch.count())
}

func TestBatchAcceptsBoundaryEvents(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	require.NoError(t, batch.add(eventAt(now.Add(-23*time.Hour), "old"), now))
	require.NoError(t, batch.add(eventAt(now.Add(time.Hour), "recent"), now))
	assert.Equal(t, 2, batch.count())
}

func TestBatchTracksTimestampBounds(t *testing.T) {
	now := time.Now()
	batch := &eventBatch{}
	require.NoError(t, batch.add(eventAt(now.Add(-time.Hour), "a"), now))
	require.NoError(t, batch.add(eventAt(now, "b"), now))
	require.NoError(t, batch.add(eventAt(now.Add(-2*time.Hour), "c"), now))

	assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), batch.minTimestampMS)
	assert.Equal(t, now.UnixMilli(), batch.maxTimestampMS)
}

func TestRejectedErrorIsError(t *testing.T) {
	var err error = &rejectedError{batchFull: true}
	var rejected *rejectedError
	assert.True(t, errors.As(err, &rejected))
}
