package types

import "encoding/json"

// JobEntityType enumerates the entity kinds served by BatchGetJobEntity
type JobEntityType string

const (
	EntityTypeJobDetails           JobEntityType = "jobDetails"
	EntityTypeStepDetails          JobEntityType = "stepDetails"
	EntityTypeEnvironmentDetails   JobEntityType = "environmentDetails"
	EntityTypeJobAttachmentDetails JobEntityType = "jobAttachmentDetails"
)

// JobDetailsIdentifierFields keys a job details entity
type JobDetailsIdentifierFields struct {
	JobID string `json:"jobId"`
}

// StepDetailsIdentifierFields keys a step details entity
type StepDetailsIdentifierFields struct {
	JobID  string `json:"jobId"`
	StepID string `json:"stepId"`
}

// EnvironmentDetailsIdentifierFields keys an environment details entity
type EnvironmentDetailsIdentifierFields struct {
	JobID         string `json:"jobId"`
	EnvironmentID string `json:"environmentId"`
}

// JobAttachmentDetailsIdentifierFields keys a job attachment details entity
type JobAttachmentDetailsIdentifierFields struct {
	JobID  string `json:"jobId"`
	StepID string `json:"stepId,omitempty"`
}

// EntityIdentifier is the tagged union identifying one job entity in a
// BatchGetJobEntity request. Exactly one member is non-nil.
type EntityIdentifier struct {
	JobDetails           *JobDetailsIdentifierFields           `json:"jobDetails,omitempty"`
	StepDetails          *StepDetailsIdentifierFields          `json:"stepDetails,omitempty"`
	EnvironmentDetails   *EnvironmentDetailsIdentifierFields   `json:"environmentDetails,omitempty"`
	JobAttachmentDetails *JobAttachmentDetailsIdentifierFields `json:"jobAttachmentDetails,omitempty"`
}

// JobAttachmentQueueSettings is the queue's job attachment bucket layout
type JobAttachmentQueueSettings struct {
	S3BucketName string `json:"s3BucketName"`
	RootPrefix   string `json:"rootPrefix"`
}

// ManifestProperties describes one attachment manifest and where its
// files root on the worker
type ManifestProperties struct {
	RootPath                  string   `json:"rootPath"`
	FileSystemLocationName    string   `json:"fileSystemLocationName,omitempty"`
	RootPathFormat            string   `json:"rootPathFormat"`
	InputManifestPath         string   `json:"inputManifestPath,omitempty"`
	InputManifestHash         string   `json:"inputManifestHash,omitempty"`
	OutputRelativeDirectories []string `json:"outputRelativeDirectories"`
}

// Attachments holds all manifests attached to a job
type Attachments struct {
	Manifests  []ManifestProperties `json:"manifests"`
	FileSystem string               `json:"fileSystem,omitempty"`
}

// JobDetailsData is the jobDetails entity payload
type JobDetailsData struct {
	JobID                 string                      `json:"jobId"`
	JobAttachmentSettings *JobAttachmentQueueSettings `json:"jobAttachmentSettings,omitempty"`
	JobRunAsUser          *JobRunAsUser               `json:"jobRunAsUser,omitempty"`
	LogGroupName          string                      `json:"logGroupName"`
	SchemaVersion         string                      `json:"schemaVersion"`
	Parameters            map[string]ParameterValue   `json:"parameters,omitempty"`
	PathMappingRules      []PathMappingRule           `json:"pathMappingRules,omitempty"`
	QueueRoleARN          string                      `json:"queueRoleArn,omitempty"`
}

// StepDetailsData is the stepDetails entity payload. The template is
// kept raw; the action runner is responsible for interpreting it.
type StepDetailsData struct {
	JobID         string          `json:"jobId"`
	StepID        string          `json:"stepId"`
	SchemaVersion string          `json:"schemaVersion"`
	Template      json.RawMessage `json:"template"`
	Dependencies  []string        `json:"dependencies,omitempty"`
}

// EnvironmentDetailsData is the environmentDetails entity payload
type EnvironmentDetailsData struct {
	JobID         string          `json:"jobId"`
	EnvironmentID string          `json:"environmentId"`
	SchemaVersion string          `json:"schemaVersion"`
	Template      json.RawMessage `json:"template"`
}

// JobAttachmentDetailsData is the jobAttachmentDetails entity payload
type JobAttachmentDetailsData struct {
	JobID       string      `json:"jobId"`
	StepID      string      `json:"stepId,omitempty"`
	Attachments Attachments `json:"attachments"`
}

// EntityData is the tagged union of entity payloads in a
// BatchGetJobEntity response. Exactly one member is non-nil.
type EntityData struct {
	JobDetails           *JobDetailsData           `json:"jobDetails,omitempty"`
	StepDetails          *StepDetailsData          `json:"stepDetails,omitempty"`
	EnvironmentDetails   *EnvironmentDetailsData   `json:"environmentDetails,omitempty"`
	JobAttachmentDetails *JobAttachmentDetailsData `json:"jobAttachmentDetails,omitempty"`
}

// EntityErrorFields carries a per-entity error from the service
type EntityErrorFields struct {
	JobID         string `json:"jobId"`
	StepID        string `json:"stepId,omitempty"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// EntityError is the tagged union of per-entity errors in a
// BatchGetJobEntity response. Exactly one member is non-nil.
type EntityError struct {
	JobDetails           *EntityErrorFields `json:"jobDetails,omitempty"`
	StepDetails          *EntityErrorFields `json:"stepDetails,omitempty"`
	EnvironmentDetails   *EntityErrorFields `json:"environmentDetails,omitempty"`
	JobAttachmentDetails *EntityErrorFields `json:"jobAttachmentDetails,omitempty"`
}
