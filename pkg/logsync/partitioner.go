package logsync

import (
	"fmt"
)

// chunk is one UTF-8-safe slice of an oversized message
type chunk struct {
	message string
	size    int
}

// chunkString splits a string into chunks of at most size bytes, backing
// up from the byte cap to the nearest UTF-8 code point boundary so that
// every chunk decodes as valid UTF-8. Grapheme clusters are not
// preserved, matching how remote log agents split oversized lines.
func chunkString(s string, size int) ([]chunk, error) {
	if size < 4 {
		return nil, fmt.Errorf("chunk size %d too small; must be at least 4 bytes to hold any UTF-8 code point", size)
	}

	raw := []byte(s)
	var chunks []chunk
	start := 0
	for start < len(raw) {
		end := start + size
		if end >= len(raw) {
			end = len(raw)
		} else {
			// Backtrack until we hit a non-continuation byte;
			// continuation bytes always start with bits 10
			for end > start && raw[end]&0xC0 == 0x80 {
				end--
			}
			if end <= start {
				return nil, fmt.Errorf(
					"cannot chunk UTF-8 string: no code point boundary between byte %d and %d",
					start, start+size,
				)
			}
		}
		chunks = append(chunks, chunk{message: string(raw[start:end]), size: end - start})
		start = end
	}
	return chunks, nil
}

// partitioner turns raw log events into events that satisfy the
// per-event size constraint, preserving order. It is not safe for
// concurrent use; the stream writer owns it.
type partitioner struct {
	raw         []LogEvent
	partitioned []partitionedEvent
}

// append adds a raw event to the tail
func (p *partitioner) append(event LogEvent) {
	p.raw = append(p.raw, event)
}

// pushFront returns an event to the head (e.g. when the current batch
// is full)
func (p *partitioner) pushFront(event partitionedEvent) {
	p.partitioned = append([]partitionedEvent{event}, p.partitioned...)
}

// hasItems reports whether any event, raw or partitioned, is pending
func (p *partitioner) hasItems() bool {
	return len(p.partitioned) > 0 || len(p.raw) > 0
}

// next pops the next partitioned event. The bool is false when no events
// are pending.
func (p *partitioner) next() (partitionedEvent, bool) {
	for {
		if len(p.partitioned) > 0 {
			event := p.partitioned[0]
			p.partitioned = p.partitioned[1:]
			return event, true
		}
		if len(p.raw) == 0 {
			return partitionedEvent{}, false
		}
		raw := p.raw[0]
		p.raw = p.raw[1:]

		chunks, err := chunkString(raw.Message, MaxLogEventSize)
		if err != nil {
			// Surface the skip in the stream itself and move on
			message := fmt.Sprintf("Failed to process raw log event: %v\n\nSkipping event...", err)
			p.partitioned = append(p.partitioned, partitionedEvent{
				event: LogEvent{Timestamp: raw.Timestamp, Message: message},
				size:  len(message),
			})
			continue
		}
		for _, c := range chunks {
			p.partitioned = append(p.partitioned, partitionedEvent{
				event: LogEvent{Timestamp: raw.Timestamp, Message: c.message},
				size:  c.size,
			})
		}
	}
}
