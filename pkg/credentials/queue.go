package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// ProfileNamePrefix prefixes the AWS profile name installed for a
// queue's credentials
const ProfileNamePrefix = "deadline-"

// QueueSource owns the credentials of one queue role. Beyond serving
// the credentials through its Slot, it installs a credentials-process
// wrapper so that session subprocesses obtain the same credentials via
// their AWS_PROFILE:
//
//	<persist>/queues/<queue_id>/aws_credentials.json   the cached triple
//	<persist>/queues/<queue_id>/get_aws_credentials.sh the process script
//	~<user>/.aws/{config,credentials}                  profile deadline-<queue_id>
type QueueSource struct {
	client    api.Client
	identity  types.WorkerIdentity
	queueID   string
	osUser    *types.PosixUser
	interrupt <-chan struct{}
	slot      *Slot
	dir       string
	logger    zerolog.Logger
}

// NewQueueSource fetches the queue's initial credentials and installs
// the credentials-process files and AWS profile.
//
// Errors from the initial AssumeQueueRoleForWorker call propagate with
// their api taxonomy so the scheduler can decide whether to fail the
// session or run it without credentials.
func NewQueueSource(ctx context.Context, client api.Client, identity types.WorkerIdentity, queueID string, osUser *types.PosixUser, persistenceDir string, interrupt <-chan struct{}) (*QueueSource, error) {
	source := &QueueSource{
		client:    client,
		identity:  identity,
		queueID:   queueID,
		osUser:    osUser,
		interrupt: interrupt,
		slot:      &Slot{},
		dir:       filepath.Join(persistenceDir, "queues", queueID),
		logger:    log.WithQueueID(queueID),
	}
	if err := source.RefreshCredentials(ctx); err != nil {
		return nil, err
	}
	if err := source.installCredentialsProcess(); err != nil {
		return nil, &api.UnrecoverableError{Err: err}
	}
	return source, nil
}

// ProfileName is the AWS profile sessions use via AWS_PROFILE
func (s *QueueSource) ProfileName() string {
	return ProfileNamePrefix + s.queueID
}

// Slot returns the credential slot backing this source
func (s *QueueSource) Slot() *Slot {
	return s.slot
}

// Expiry implements Source
func (s *QueueSource) Expiry() time.Time {
	return s.slot.Expiry()
}

func (s *QueueSource) fileMode() os.FileMode {
	// Group-readable when a different OS user must read the credentials
	if s.osUser != nil {
		return FileModeGroupReadable
	}
	return FileModeOwnerOnly
}

// RefreshCredentials implements Source. Each refresh updates the cached
// credential file that running subprocesses read through the
// credentials process.
func (s *QueueSource) RefreshCredentials(ctx context.Context) error {
	response, err := api.AssumeQueueRoleForWorker(ctx, s.client, &api.AssumeQueueRoleRequest{
		FarmID:   s.identity.FarmID,
		FleetID:  s.identity.FleetID,
		WorkerID: s.identity.WorkerID,
		QueueID:  s.queueID,
	}, s.interrupt)
	if err != nil {
		return err
	}
	creds := aws.Credentials{
		AccessKeyID:     response.Credentials.AccessKeyID,
		SecretAccessKey: response.Credentials.SecretAccessKey,
		SessionToken:    response.Credentials.SessionToken,
		CanExpire:       true,
		Expires:         response.Credentials.Expiration,
	}
	s.slot.Set(creds)
	if err := FileCredentialsFrom(creds).WriteFile(s.credentialsFilePath(), s.fileMode()); err != nil {
		return fmt.Errorf("persisting queue credentials: %w", err)
	}
	return nil
}

func (s *QueueSource) credentialsFilePath() string {
	return filepath.Join(s.dir, "aws_credentials.json")
}

func (s *QueueSource) scriptPath() string {
	return filepath.Join(s.dir, "get_aws_credentials.sh")
}

// installCredentialsProcess writes the wrapper script that prints the
// cached credential JSON and registers the AWS profile for it
func (s *QueueSource) installCredentialsProcess() error {
	script := fmt.Sprintf("#!/bin/sh\ncat %s\n", s.credentialsFilePath())
	scriptMode := os.FileMode(0o700)
	if s.osUser != nil {
		scriptMode = 0o750
	}
	if err := os.WriteFile(s.scriptPath(), []byte(script), scriptMode); err != nil {
		return fmt.Errorf("writing credentials process script: %w", err)
	}
	if err := os.Chmod(s.scriptPath(), scriptMode); err != nil {
		return fmt.Errorf("setting credentials process script mode: %w", err)
	}

	username := ""
	if s.osUser != nil {
		username = s.osUser.User
	}
	if err := installProfile(username, s.ProfileName(), s.scriptPath(), s.fileMode()); err != nil {
		return err
	}
	s.logger.Info().Str("profile", s.ProfileName()).Msg("Installed queue credentials profile")
	return nil
}

// Cleanup removes the profile entries and the queue's credential files
func (s *QueueSource) Cleanup() error {
	username := ""
	if s.osUser != nil {
		username = s.osUser.User
	}
	if err := uninstallProfile(username, s.ProfileName(), s.fileMode()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to remove queue credentials profile")
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("removing queue credentials directory: %w", err)
	}
	s.logger.Info().Msg("Removed queue credentials")
	return nil
}
