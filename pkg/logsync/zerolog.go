package logsync

import "time"

// ZerologAdapter adapts a StreamWriter into an io.Writer so the agent's
// own zerolog output can be teed to a remote log stream
type ZerologAdapter struct {
	writer *StreamWriter
}

// NewZerologAdapter wraps a stream writer for use as a zerolog output
func NewZerologAdapter(writer *StreamWriter) *ZerologAdapter {
	return &ZerologAdapter{writer: writer}
}

// Write implements io.Writer. Each write is one rendered log line.
func (a *ZerologAdapter) Write(p []byte) (int, error) {
	message := string(p)
	if len(message) > 0 && message[len(message)-1] == '\n' {
		message = message[:len(message)-1]
	}
	a.writer.Append(LogEvent{
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
	})
	return len(p), nil
}
