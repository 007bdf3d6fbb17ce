package entities

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/farmhand/pkg/types"
)

// Schema versions of job entity templates this agent understands
var supportedSchemaVersions = map[string]bool{
	"jobtemplate-2023-09": true,
	"environment-2023-09": true,
}

// UnsupportedSchemaError is returned when a job entity uses a template
// schema version this agent does not understand
type UnsupportedSchemaError struct {
	Version string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf(
		"Worker does not support schema version %s. Consider upgrading to a newer Worker Agent.",
		e.Version,
	)
}

// JobDetails is the validated jobDetails entity
type JobDetails struct {
	JobID                 string
	LogGroupName          string
	SchemaVersion         string
	Parameters            map[string]types.ParameterValue
	PathMappingRules      []types.PathMappingRule
	JobRunAsUser          *types.JobRunAsUser
	JobAttachmentSettings *types.JobAttachmentQueueSettings
	QueueRoleARN          string
}

// StepDetails is the validated stepDetails entity
type StepDetails struct {
	StepID        string
	SchemaVersion string
	Template      json.RawMessage
	Dependencies  []string
}

// EnvironmentDetails is the validated environmentDetails entity
type EnvironmentDetails struct {
	EnvironmentID string
	SchemaVersion string
	Template      json.RawMessage
}

// JobAttachmentDetails is the validated jobAttachmentDetails entity
type JobAttachmentDetails struct {
	Manifests  []types.ManifestProperties
	FileSystem string
}

func jobDetailsFromData(data *types.JobDetailsData) (*JobDetails, error) {
	if data.SchemaVersion == "" {
		return nil, fmt.Errorf("jobDetails entity for job %s is missing schemaVersion", data.JobID)
	}
	if !supportedSchemaVersions[data.SchemaVersion] {
		return nil, &UnsupportedSchemaError{Version: data.SchemaVersion}
	}
	if data.LogGroupName == "" {
		return nil, fmt.Errorf("jobDetails entity for job %s is missing logGroupName", data.JobID)
	}
	if user := data.JobRunAsUser; user != nil {
		switch user.RunAs {
		case types.RunAsQueueConfiguredUser, types.RunAsWorkerAgentUser:
		default:
			return nil, fmt.Errorf("jobDetails entity for job %s has unknown runAs value %q", data.JobID, user.RunAs)
		}
		if user.RunAs == types.RunAsQueueConfiguredUser && user.Posix == nil {
			return nil, fmt.Errorf("jobDetails entity for job %s requires a queue-configured user but provides none", data.JobID)
		}
	}
	return &JobDetails{
		JobID:                 data.JobID,
		LogGroupName:          data.LogGroupName,
		SchemaVersion:         data.SchemaVersion,
		Parameters:            data.Parameters,
		PathMappingRules:      data.PathMappingRules,
		JobRunAsUser:          data.JobRunAsUser,
		JobAttachmentSettings: data.JobAttachmentSettings,
		QueueRoleARN:          data.QueueRoleARN,
	}, nil
}

func stepDetailsFromData(data *types.StepDetailsData) (*StepDetails, error) {
	if data.SchemaVersion == "" {
		return nil, fmt.Errorf("stepDetails entity for step %s is missing schemaVersion", data.StepID)
	}
	if !supportedSchemaVersions[data.SchemaVersion] {
		return nil, &UnsupportedSchemaError{Version: data.SchemaVersion}
	}
	if len(data.Template) == 0 {
		return nil, fmt.Errorf("stepDetails entity for step %s is missing its template", data.StepID)
	}
	return &StepDetails{
		StepID:        data.StepID,
		SchemaVersion: data.SchemaVersion,
		Template:      data.Template,
		Dependencies:  data.Dependencies,
	}, nil
}

func environmentDetailsFromData(data *types.EnvironmentDetailsData) (*EnvironmentDetails, error) {
	if data.SchemaVersion == "" {
		return nil, fmt.Errorf("environmentDetails entity for environment %s is missing schemaVersion", data.EnvironmentID)
	}
	if !supportedSchemaVersions[data.SchemaVersion] {
		return nil, &UnsupportedSchemaError{Version: data.SchemaVersion}
	}
	if len(data.Template) == 0 {
		return nil, fmt.Errorf("environmentDetails entity for environment %s is missing its template", data.EnvironmentID)
	}
	return &EnvironmentDetails{
		EnvironmentID: data.EnvironmentID,
		SchemaVersion: data.SchemaVersion,
		Template:      data.Template,
	}, nil
}

func jobAttachmentDetailsFromData(data *types.JobAttachmentDetailsData) (*JobAttachmentDetails, error) {
	for i, manifest := range data.Attachments.Manifests {
		if manifest.RootPath == "" {
			return nil, fmt.Errorf("jobAttachmentDetails manifest %d is missing rootPath", i)
		}
	}
	return &JobAttachmentDetails{
		Manifests:  data.Attachments.Manifests,
		FileSystem: data.Attachments.FileSystem,
	}, nil
}
