package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/attachments"
	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/cuemby/farmhand/pkg/queue"
	"github.com/cuemby/farmhand/pkg/types"
)

// Input transfers sustaining a rate below LowTransferRateThreshold for
// LowTransferCountThreshold consecutive progress reports are canceled
// and the action failed.
const (
	// LowTransferRateThreshold is in bytes per second (10 KB/s)
	LowTransferRateThreshold = 10 * 1000

	// LowTransferCountThreshold is the number of consecutive low-rate
	// reports tolerated; progress reports arrive roughly once a second
	LowTransferCountThreshold = 60
)

// startSyncInputs launches the input attachment synchronization for the
// current SYNC_INPUT_JOB_ATTACHMENTS action. Both locks are held by the
// caller; the transfer itself runs on its own goroutine and completes
// the action through UpdateAction.
func (s *Session) startSyncInputs(ctx context.Context, action *queue.ResolvedAction) {
	cancel := make(chan struct{})
	s.syncCancel = cancel
	s.syncCancelOnce = &sync.Once{}

	go func() {
		err := s.syncAssetInputs(ctx, cancel, action)
		switch {
		case err == nil:
			s.UpdateAction(types.ActionStatus{State: types.ActionStateSuccess})
		case errors.Is(err, attachments.ErrCanceled):
			s.UpdateAction(types.ActionStatus{
				State:       types.ActionStateCanceled,
				FailMessage: "Canceled",
			})
		default:
			s.logger.Error().Err(err).Str("action_id", action.ID).Msg("Input attachment sync failed")
			s.UpdateAction(types.ActionStatus{
				State:       types.ActionStateFailed,
				FailMessage: err.Error(),
			})
		}
	}()

	s.reportRunningLocked(action.ID)
}

// reportRunningLocked posts an initial RUNNING update for the action.
// Both locks are held by the caller.
func (s *Session) reportRunningLocked(actionID string) {
	now := time.Now().UTC()
	if current := s.current; current != nil && current.Action.ID == actionID && !s.interrupted {
		s.report(types.SessionActionStatus{
			ID:         actionID,
			Status:     &types.ActionStatus{State: types.ActionStateRunning},
			StartTime:  &current.StartTime,
			UpdateTime: &now,
		})
	}
}

// syncAssetInputs performs the input synchronization, reporting progress
// and applying the low-transfer-rate watchdog
func (s *Session) syncAssetInputs(ctx context.Context, cancel chan struct{}, action *queue.ResolvedAction) error {
	if s.assetSync == nil {
		return nil
	}
	if s.jobDetails.JobAttachmentSettings == nil {
		return fmt.Errorf("job attachment settings were not contained in the job details entity")
	}

	if action.JobAttachmentDetails != nil {
		s.jobAttachmentDetails = action.JobAttachmentDetails
	}
	if s.jobAttachmentDetails == nil {
		return fmt.Errorf("job attachments must be synchronized before downloading step dependencies")
	}

	var stepDependencies []string
	var manifests []types.ManifestProperties
	if action.StepDetails != nil {
		stepDependencies = action.StepDetails.Dependencies
	} else {
		manifests = s.jobAttachmentDetails.Manifests
	}

	lowTransferCount := 0
	canceledForLowRate := false
	onProgress := func(report attachments.ProgressReport) bool {
		select {
		case <-cancel:
			return false
		default:
		}
		if report.TransferRate < LowTransferRateThreshold {
			lowTransferCount++
		} else {
			lowTransferCount = 0
		}
		if lowTransferCount >= LowTransferCountThreshold {
			failMessage := fmt.Sprintf(
				"Input syncing failed due to successive low transfer rates (< %.1f KB/s). The transfer rate was below the threshold for the last %s.",
				float64(LowTransferRateThreshold)/1000,
				secondsToMinutesStr(LowTransferCountThreshold),
			)
			canceledForLowRate = true
			metrics.AttachmentSyncFailures.Inc()
			s.syncCancelOnce.Do(func() { close(cancel) })
			s.UpdateAction(types.ActionStatus{
				State:       types.ActionStateFailed,
				FailMessage: failMessage,
			})
			if s.broker != nil {
				s.broker.Publish(&events.Event{
					Type:    events.EventSyncInputsFailed,
					Message: "Insufficient download speed: " + failMessage,
					Metadata: map[string]string{
						"queue_id": s.queueID,
					},
				})
			}
			return false
		}
		progress := report.Progress
		s.UpdateAction(types.ActionStatus{
			State:         types.ActionStateRunning,
			Progress:      &progress,
			StatusMessage: report.Message,
		})
		return true
	}

	pathMappingRules := make(map[string]string, len(s.pathMappingRules))
	for _, rule := range s.pathMappingRules {
		pathMappingRules[rule.SourcePath] = rule.DestinationPath
	}

	summary, newRules, err := s.assetSync.SyncInputs(ctx, &attachments.SyncInputsRequest{
		S3Settings:       *s.jobDetails.JobAttachmentSettings,
		Attachments:      types.Attachments{Manifests: manifests, FileSystem: s.jobAttachmentDetails.FileSystem},
		QueueID:          s.queueID,
		JobID:            s.jobID,
		SessionDir:       s.runner.WorkingDirectory(),
		StepDependencies: stepDependencies,
		PathMappingRules: pathMappingRules,
		FileOwner:        s.osUser,
		Env:              s.env,
	}, onProgress)
	if err != nil {
		if canceledForLowRate {
			// The failure was already reported with the watchdog message
			return attachments.ErrCanceled
		}
		return err
	}

	metrics.AttachmentBytesTransferred.WithLabelValues("download").Add(float64(summary.TransferredBytes))
	s.logger.Info().
		Int("files", summary.TransferredFiles).
		Int64("bytes", summary.TransferredBytes).
		Dur("duration", summary.Duration).
		Msg("Input attachment sync complete")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventSyncInputsSummary,
			Metadata: map[string]string{
				"queue_id": s.queueID,
				"files":    fmt.Sprintf("%d", summary.TransferredFiles),
				"bytes":    fmt.Sprintf("%d", summary.TransferredBytes),
			},
		})
	}

	// The attachment roots become path mapping rules. Rules are kept
	// sorted by descending source path component count so that the
	// longest prefix matches first on later lookups.
	s.currentActionMu.Lock()
	s.pathMappingRules = append(s.pathMappingRules, newRules...)
	sortPathMappingRules(s.pathMappingRules)
	s.currentActionMu.Unlock()

	return nil
}

// syncAssetOutputs uploads outputs produced by a successful task run
func (s *Session) syncAssetOutputs(current *CurrentAction) error {
	if s.jobDetails.JobAttachmentSettings == nil {
		return nil
	}
	if s.jobAttachmentDetails == nil {
		return nil
	}
	if s.assetSync == nil {
		return nil
	}

	pathMappingRules := make(map[string]string, len(s.pathMappingRules))
	for _, rule := range s.pathMappingRules {
		pathMappingRules[rule.SourcePath] = rule.DestinationPath
	}

	s.logger.Info().Msg("Started syncing outputs using job attachments")
	summary, err := s.assetSync.SyncOutputs(context.Background(), &attachments.SyncOutputsRequest{
		S3Settings:       *s.jobDetails.JobAttachmentSettings,
		Attachments:      types.Attachments{Manifests: s.jobAttachmentDetails.Manifests, FileSystem: s.jobAttachmentDetails.FileSystem},
		QueueID:          s.queueID,
		JobID:            s.jobID,
		StepID:           current.Action.StepDetails.StepID,
		TaskID:           current.Action.TaskID,
		SessionActionID:  current.Action.ID,
		StartTime:        current.StartTime,
		SessionDir:       s.runner.WorkingDirectory(),
		PathMappingRules: pathMappingRules,
	}, nil)
	if err != nil {
		return err
	}
	metrics.AttachmentBytesTransferred.WithLabelValues("upload").Add(float64(summary.TransferredBytes))
	s.logger.Info().
		Int("files", summary.TransferredFiles).
		Int64("bytes", summary.TransferredBytes).
		Msg("Finished syncing outputs using job attachments")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventSyncOutputsSummary,
			Metadata: map[string]string{
				"queue_id": s.queueID,
				"files":    fmt.Sprintf("%d", summary.TransferredFiles),
				"bytes":    fmt.Sprintf("%d", summary.TransferredBytes),
			},
		})
	}
	return nil
}

// sortPathMappingRules orders rules by descending source path component
// count so later lookups are deterministic (longest prefix first)
func sortPathMappingRules(rules []types.PathMappingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return pathComponentCount(rules[i].SourcePath) > pathComponentCount(rules[j].SourcePath)
	})
}

func pathComponentCount(path string) int {
	normalized := strings.ReplaceAll(path, "\\", "/")
	count := 0
	for _, part := range strings.Split(normalized, "/") {
		if part != "" {
			count++
		}
	}
	return count
}

// secondsToMinutesStr renders a duration in whole seconds as a friendly
// "N minutes M seconds" string
func secondsToMinutesStr(seconds int) string {
	minutes := seconds / 60
	remainder := seconds % 60
	var parts []string
	if minutes > 0 {
		if minutes == 1 {
			parts = append(parts, "1 minute")
		} else {
			parts = append(parts, fmt.Sprintf("%d minutes", minutes))
		}
	}
	if remainder > 0 || minutes == 0 {
		if remainder == 1 {
			parts = append(parts, "1 second")
		} else {
			parts = append(parts, fmt.Sprintf("%d seconds", remainder))
		}
	}
	return strings.Join(parts, " ")
}
