package logsync

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkStringShortStringUnchanged(t *testing.T) {
	chunks, err := chunkString("hello", 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].message)
	assert.Equal(t, 5, chunks[0].size)
}

func TestChunkStringSplitsAtCap(t *testing.T) {
	input := strings.Repeat("a", 25)
	chunks, err := chunkString(input, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].size)
	assert.Equal(t, 10, chunks[1].size)
	assert.Equal(t, 5, chunks[2].size)
	assert.Equal(t, input, chunks[0].message+chunks[1].message+chunks[2].message)
}

// TestChunkStringUTF8Safety checks that chunking never slices a
// multibyte sequence: every chunk must decode as valid UTF-8 and the
// concatenation must reproduce the input.
func TestChunkStringUTF8Safety(t *testing.T) {
	inputs := []string{
		strings.Repeat("é", 50),        // 2-byte code points
		strings.Repeat("界", 40),        // 3-byte code points
		strings.Repeat("🎥", 30),        // 4-byte code points
		"frame 1 ✓ rendered 完了 🎬 done", // mixed widths
		strings.Repeat("a🎥b", 33),      // alternating
	}
	for _, input := range inputs {
		for _, size := range []int{4, 5, 7, 11, 64} {
			chunks, err := chunkString(input, size)
			require.NoError(t, err, "input %q size %d", input, size)

			var rebuilt strings.Builder
			for _, c := range chunks {
				assert.True(t, utf8.ValidString(c.message), "chunk %q is not valid UTF-8", c.message)
				assert.LessOrEqual(t, c.size, size)
				assert.Equal(t, len(c.message), c.size)
				rebuilt.WriteString(c.message)
			}
			assert.Equal(t, input, rebuilt.String())
		}
	}
}

func TestChunkStringRejectsTinyCap(t *testing.T) {
	_, err := chunkString("abc", 3)
	assert.Error(t, err)
}

func TestPartitionerSplitsOversizedEvents(t *testing.T) {
	part := &partitioner{}
	part.append(LogEvent{Timestamp: 42, Message: strings.Repeat("x", MaxLogEventSize+10)})

	first, ok := part.next()
	require.True(t, ok)
	assert.Equal(t, int64(42), first.event.Timestamp)
	assert.Equal(t, MaxLogEventSize, first.size)

	second, ok := part.next()
	require.True(t, ok)
	assert.Equal(t, int64(42), second.event.Timestamp)
	assert.Equal(t, 10, second.size)

	_, ok = part.next()
	assert.False(t, ok)
}

func TestPartitionerPreservesOrder(t *testing.T) {
	part := &partitioner{}
	part.append(LogEvent{Timestamp: 1, Message: "first"})
	part.append(LogEvent{Timestamp: 2, Message: "second"})

	event, ok := part.next()
	require.True(t, ok)
	assert.Equal(t, "first", event.event.Message)

	// pushFront returns an event to the head
	part.pushFront(event)
	again, ok := part.next()
	require.True(t, ok)
	assert.Equal(t, "first", again.event.Message)

	event, ok = part.next()
	require.True(t, ok)
	assert.Equal(t, "second", event.event.Message)
}
