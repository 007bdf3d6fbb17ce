package attachments

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/farmhand/pkg/types"
)

// ErrCanceled is returned by sync operations when the progress callback
// requested cancellation
var ErrCanceled = errors.New("attachment sync canceled")

// ProgressReport is one progress notification during a transfer
type ProgressReport struct {
	// Progress is the overall completion percentage in [0, 100]
	Progress float64

	// TransferRate is the current transfer rate in bytes per second
	TransferRate float64

	// Message is a human-readable progress message
	Message string
}

// ProgressCallback receives transfer progress. Returning false cancels
// the transfer; the sync operation then returns ErrCanceled.
type ProgressCallback func(report ProgressReport) bool

// SummaryStatistics summarizes a completed transfer
type SummaryStatistics struct {
	TotalFiles       int
	TransferredFiles int
	SkippedFiles     int
	TotalBytes       int64
	TransferredBytes int64
	Duration         time.Duration
}

// SyncInputsRequest describes an input synchronization
type SyncInputsRequest struct {
	S3Settings       types.JobAttachmentQueueSettings
	Attachments      types.Attachments
	QueueID          string
	JobID            string
	SessionDir       string
	StepDependencies []string

	// PathMappingRules maps storage-profile source paths to their
	// destination paths on this worker
	PathMappingRules map[string]string

	// FileOwner, when set, is applied to every file placed on disk
	FileOwner *types.PosixUser

	// Env is the OS environment of the session (carries AWS_PROFILE
	// when queue credentials exist)
	Env map[string]string
}

// SyncOutputsRequest describes an output synchronization after a task
// run succeeds
type SyncOutputsRequest struct {
	S3Settings       types.JobAttachmentQueueSettings
	Attachments      types.Attachments
	QueueID          string
	JobID            string
	StepID           string
	TaskID           string
	SessionActionID  string
	StartTime        time.Time
	SessionDir       string
	PathMappingRules map[string]string
}

// Engine is the content-addressed file synchronization subsystem that
// moves job attachments between the bucket and the session working
// directory. The agent core depends only on this surface.
type Engine interface {
	// SyncInputs downloads the job's input attachments into the session
	// directory. It returns the transfer summary and the path mapping
	// rules for the attachment roots.
	SyncInputs(ctx context.Context, req *SyncInputsRequest, onProgress ProgressCallback) (*SummaryStatistics, []types.PathMappingRule, error)

	// SyncOutputs uploads output files produced under the session
	// directory by a completed task
	SyncOutputs(ctx context.Context, req *SyncOutputsRequest, onProgress ProgressCallback) (*SummaryStatistics, error)

	// Cleanup removes any transfer state for the session directory
	Cleanup(sessionDir string) error
}
