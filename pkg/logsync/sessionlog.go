package logsync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/types"
)

// LogConfiguration option keys for the remote log driver
const (
	OptionLogGroupName  = "logGroupName"
	OptionLogStreamName = "logStreamName"
)

// LogProvisioningError means a session's logs cannot be provisioned; the
// session cannot start and all of its actions fail with this message
type LogProvisioningError struct {
	Message string
}

func (e *LogProvisioningError) Error() string {
	return e.Message
}

// SessionLogConfig resolves a session's log destinations from the
// assignment's log configuration
type SessionLogConfig struct {
	LogGroup  string
	LogStream string
	LocalFile string

	mu         sync.Mutex
	parameters map[string]string
}

// NewSessionLogConfig validates the assignment's log configuration.
// Only the remote driver is supported; anything else is a provisioning
// error.
func NewSessionLogConfig(cfg *types.LogConfiguration, localFile string) (*SessionLogConfig, error) {
	if cfg == nil {
		return nil, &LogProvisioningError{Message: "assignment has no log configuration"}
	}
	if cfg.Error != "" {
		return nil, &LogProvisioningError{
			Message: fmt.Sprintf("service reported an error with the session log configuration: %s", cfg.Error),
		}
	}
	if cfg.LogDriver != types.LogDriverRemote {
		return nil, &LogProvisioningError{
			Message: fmt.Sprintf("unsupported log driver %q for the session log", cfg.LogDriver),
		}
	}
	logGroup := cfg.Options[OptionLogGroupName]
	logStream := cfg.Options[OptionLogStreamName]
	if logGroup == "" || logStream == "" {
		return nil, &LogProvisioningError{
			Message: "session log configuration is missing the log group or log stream option",
		}
	}
	parameters := make(map[string]string, len(cfg.Parameters))
	for key, value := range cfg.Parameters {
		parameters[key] = value
	}
	return &SessionLogConfig{
		LogGroup:   logGroup,
		LogStream:  logStream,
		LocalFile:  localFile,
		parameters: parameters,
	}, nil
}

// UpdateParameters applies run-time log parameter changes from a
// heartbeat's assignment
func (c *SessionLogConfig) UpdateParameters(parameters map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range parameters {
		c.parameters[key] = value
	}
}

// Parameter returns a log configuration parameter
func (c *SessionLogConfig) Parameter(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parameters[key]
}

// SessionLogPath computes the local log file path for a session:
// <logsDir>/<queue_id>/<session_id>.log
func SessionLogPath(logsDir, queueID, sessionID string) string {
	return filepath.Join(logsDir, queueID, sessionID+".log")
}

// ProvisionSessionLogFile creates the queue's log directory (owner-only)
// and the session log file (owner read-write)
func ProvisionSessionLogFile(logsDir, queueID, sessionID string) (string, error) {
	queueDir := filepath.Join(logsDir, queueID)
	if err := os.MkdirAll(queueDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create local session log directory on worker: %s", queueDir)
	}
	path := SessionLogPath(logsDir, queueID, sessionID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create local session log file on worker: %s", path)
	}
	file.Close()
	return path, nil
}

// SessionLogger tees the session's action output to the local log file
// and the remote log stream. It implements io.Writer for the runner.
type SessionLogger struct {
	mu     sync.Mutex
	file   *os.File
	writer *StreamWriter
	buf    bytes.Buffer
}

// NewSessionLogger opens the local file and attaches the remote stream
// writer. Either destination may be nil.
func NewSessionLogger(localFile string, writer *StreamWriter) (*SessionLogger, error) {
	var file *os.File
	if localFile != "" {
		var err error
		file, err = os.OpenFile(localFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening session log file: %w", err)
		}
	}
	return &SessionLogger{file: file, writer: writer}, nil
}

// Write implements io.Writer. Completed lines are forwarded to both
// destinations; a partial trailing line is buffered until its newline
// arrives or the logger closes.
func (l *SessionLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it buffered
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(p), nil
}

func (l *SessionLogger) emit(line string) {
	if l.file != nil {
		l.file.WriteString(line)
	}
	if l.writer != nil {
		message := line
		if len(message) > 0 && message[len(message)-1] == '\n' {
			message = message[:len(message)-1]
		}
		l.writer.Append(LogEvent{
			Timestamp: time.Now().UnixMilli(),
			Message:   message,
		})
	}
}

// Close flushes any partial line and closes the local file. The remote
// stream writer is owned by the caller and closed separately.
func (l *SessionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
