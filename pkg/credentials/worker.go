package credentials

import (
	"context"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
)

// WorkerSource owns the worker's fleet-role credentials: it fetches them
// via AssumeFleetRoleForWorker, serves them through its Slot, and caches
// them on disk so a restarting agent can resume without an immediate
// service call.
type WorkerSource struct {
	client    api.Client
	identity  types.WorkerIdentity
	slot      *Slot
	cachePath string
}

// NewWorkerSource creates the fleet credential source. A fresh cached
// credential file is loaded when present; otherwise the caller must
// refresh before use.
func NewWorkerSource(client api.Client, identity types.WorkerIdentity, persistenceDir string) (*WorkerSource, error) {
	source := &WorkerSource{
		client:    client,
		identity:  identity,
		slot:      &Slot{},
		cachePath: filepath.Join(persistenceDir, "credentials", identity.WorkerID+".json"),
	}
	cached, ok, err := ReadCredentialFile(source.cachePath)
	if err != nil {
		logger := log.WithComponent("credentials")
		logger.Warn().Err(err).Msg("Ignoring unreadable cached worker credentials")
	} else if ok {
		creds, err := cached.ToCredentials()
		if err == nil && time.Until(creds.Expires) > 0 {
			source.slot.Set(creds)
		}
	}
	return source, nil
}

// Slot returns the credential slot backing this source
func (s *WorkerSource) Slot() *Slot {
	return s.slot
}

// Expiry implements Source
func (s *WorkerSource) Expiry() time.Time {
	return s.slot.Expiry()
}

// RefreshCredentials implements Source. It calls
// AssumeFleetRoleForWorker, updates the slot, and re-persists the cache
// file with owner-only permissions.
func (s *WorkerSource) RefreshCredentials(ctx context.Context) error {
	response, err := api.AssumeFleetRoleForWorker(ctx, s.client, &api.AssumeFleetRoleRequest{
		FarmID:   s.identity.FarmID,
		FleetID:  s.identity.FleetID,
		WorkerID: s.identity.WorkerID,
	})
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
	if err := FileCredentialsFrom(creds).WriteFile(s.cachePath, FileModeOwnerOnly); err != nil {
		logger := log.WithComponent("credentials")
		logger.Warn().Err(err).Msg("Failed to persist worker credentials cache")
	}
	return nil
}
