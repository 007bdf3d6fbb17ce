package entities

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// entityErrorCodeMaxPayload is a soft per-entity error: the record stays
// unresolved and is retried in subsequent batches
const entityErrorCodeMaxPayload = "MaxPayloadSizeExceeded"

// EntityRecord tracks the fetch state of one job entity. Data is
// populated only by a successful batch fetch; Err captures a per-entity
// service error that subsequent requests for the same key return.
type EntityRecord struct {
	Identifier types.EntityIdentifier
	Data       *types.EntityData
	Err        *types.EntityErrorFields
}

// Cache fetches and caches job entities for one job via the
// BatchGetJobEntity operation.
//
// Single-key requests piggy-back on batch calls; the batch size is
// capped by the service operation's declared maximum.
type Cache struct {
	client   api.Client
	identity types.WorkerIdentity
	jobID    string
	logger   zerolog.Logger

	mu      sync.Mutex
	records map[string]*EntityRecord
}

// NewCache creates a job entity cache for the given job
func NewCache(client api.Client, identity types.WorkerIdentity, jobID string) *Cache {
	return &Cache{
		client:   client,
		identity: identity,
		jobID:    jobID,
		logger:   log.WithComponent("job-entities"),
		records:  make(map[string]*EntityRecord),
	}
}

// entityKey canonicalizes an identifier into the cache key
func entityKey(id types.EntityIdentifier) (string, error) {
	switch {
	case id.EnvironmentDetails != nil:
		return id.EnvironmentDetails.EnvironmentID, nil
	case id.StepDetails != nil:
		return id.StepDetails.StepID, nil
	case id.JobDetails != nil:
		return id.JobDetails.JobID, nil
	case id.JobAttachmentDetails != nil:
		return fmt.Sprintf("JA(%s)", id.JobAttachmentDetails.JobID), nil
	}
	return "", fmt.Errorf("entity identifier has no member set")
}

func dataKey(data types.EntityData) (string, error) {
	switch {
	case data.EnvironmentDetails != nil:
		return data.EnvironmentDetails.EnvironmentID, nil
	case data.StepDetails != nil:
		return data.StepDetails.StepID, nil
	case data.JobDetails != nil:
		return data.JobDetails.JobID, nil
	case data.JobAttachmentDetails != nil:
		return fmt.Sprintf("JA(%s)", data.JobAttachmentDetails.JobID), nil
	}
	return "", fmt.Errorf("entity data has no member set")
}

func errorKey(entityErr types.EntityError) (string, *types.EntityErrorFields, error) {
	switch {
	case entityErr.EnvironmentDetails != nil:
		return entityErr.EnvironmentDetails.EnvironmentID, entityErr.EnvironmentDetails, nil
	case entityErr.StepDetails != nil:
		return entityErr.StepDetails.StepID, entityErr.StepDetails, nil
	case entityErr.JobDetails != nil:
		return entityErr.JobDetails.JobID, entityErr.JobDetails, nil
	case entityErr.JobAttachmentDetails != nil:
		return fmt.Sprintf("JA(%s)", entityErr.JobAttachmentDetails.JobID), entityErr.JobAttachmentDetails, nil
	}
	return "", nil, fmt.Errorf("entity error has no member set")
}

// CacheEntities fetches the given identifiers in service-sized batches
// and stores each per-entity result or error.
//
// Top-level request failures (worker not found, unrecoverable) propagate
// unchanged. A per-entity MaxPayloadSizeExceeded leaves the record
// unresolved so a later single-entity batch can retry it.
func (c *Cache) CacheEntities(ctx context.Context, identifiers []types.EntityIdentifier) error {
	maxBatch := c.client.MaxJobEntityBatchSize()
	for start := 0; start < len(identifiers); start += maxBatch {
		end := start + maxBatch
		if end > len(identifiers) {
			end = len(identifiers)
		}
		batch := identifiers[start:end]

		c.mu.Lock()
		for _, id := range batch {
			key, err := entityKey(id)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			if _, ok := c.records[key]; !ok {
				c.records[key] = &EntityRecord{Identifier: id}
			}
		}
		c.mu.Unlock()

		response, err := api.BatchGetJobEntity(ctx, c.client, &api.BatchGetJobEntityRequest{
			FarmID:      c.identity.FarmID,
			FleetID:     c.identity.FleetID,
			WorkerID:    c.identity.WorkerID,
			Identifiers: batch,
		})
		if err != nil {
			return err
		}

		c.mu.Lock()
		for i := range response.Entities {
			key, err := dataKey(response.Entities[i])
			if err != nil {
				c.mu.Unlock()
				return err
			}
			record, ok := c.records[key]
			if !ok {
				record = &EntityRecord{}
				c.records[key] = record
			}
			record.Data = &response.Entities[i]
		}
		for _, entityErr := range response.Errors {
			key, fields, err := errorKey(entityErr)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			if fields.Code == entityErrorCodeMaxPayload {
				// Only matters for batch caching; the entity will fit in
				// a later, smaller batch.
				continue
			}
			if record, ok := c.records[key]; ok {
				record.Err = fields
				c.logger.Error().
					Str("entity", key).
					Str("code", fields.Code).
					Str("message", fields.Message).
					Msg("Entity error from BatchGetJobEntity")
			}
		}
		c.mu.Unlock()
	}
	return nil
}

// request returns the cached entity data for the identifier, fetching it
// from the service if it is not resolved yet
func (c *Cache) request(ctx context.Context, identifier types.EntityIdentifier) (*types.EntityData, error) {
	key, err := entityKey(identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	record, ok := c.records[key]
	if !ok {
		record = &EntityRecord{Identifier: identifier}
		c.records[key] = record
	}
	if record.Data != nil {
		data := record.Data
		c.mu.Unlock()
		return data, nil
	}
	if record.Err != nil {
		fields := record.Err
		c.mu.Unlock()
		return nil, fmt.Errorf("entity %s failed with: %s %s", key, fields.Code, fields.Message)
	}
	c.mu.Unlock()

	if err := c.CacheEntities(ctx, []types.EntityIdentifier{identifier}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	record = c.records[key]
	if record.Data != nil {
		return record.Data, nil
	}
	if record.Err != nil {
		return nil, fmt.Errorf("entity %s failed with: %s %s", key, record.Err.Code, record.Err.Message)
	}
	return nil, fmt.Errorf("entity %s was neither resolved nor errored by the service", key)
}

// JobDetails fetches and validates the job's jobDetails entity
func (c *Cache) JobDetails(ctx context.Context) (*JobDetails, error) {
	data, err := c.request(ctx, types.EntityIdentifier{
		JobDetails: &types.JobDetailsIdentifierFields{JobID: c.jobID},
	})
	if err != nil {
		return nil, err
	}
	if data.JobDetails == nil {
		return nil, fmt.Errorf("service returned a non-jobDetails entity for job %s", c.jobID)
	}
	return jobDetailsFromData(data.JobDetails)
}

// StepDetails fetches and validates a stepDetails entity
func (c *Cache) StepDetails(ctx context.Context, stepID string) (*StepDetails, error) {
	data, err := c.request(ctx, types.EntityIdentifier{
		StepDetails: &types.StepDetailsIdentifierFields{JobID: c.jobID, StepID: stepID},
	})
	if err != nil {
		return nil, err
	}
	if data.StepDetails == nil {
		return nil, fmt.Errorf("service returned a non-stepDetails entity for step %s", stepID)
	}
	return stepDetailsFromData(data.StepDetails)
}

// EnvironmentDetails fetches and validates an environmentDetails entity
func (c *Cache) EnvironmentDetails(ctx context.Context, environmentID string) (*EnvironmentDetails, error) {
	data, err := c.request(ctx, types.EntityIdentifier{
		EnvironmentDetails: &types.EnvironmentDetailsIdentifierFields{
			JobID:         c.jobID,
			EnvironmentID: environmentID,
		},
	})
	if err != nil {
		return nil, err
	}
	if data.EnvironmentDetails == nil {
		return nil, fmt.Errorf("service returned a non-environmentDetails entity for environment %s", environmentID)
	}
	return environmentDetailsFromData(data.EnvironmentDetails)
}

// JobAttachmentDetails fetches and validates the job's
// jobAttachmentDetails entity
func (c *Cache) JobAttachmentDetails(ctx context.Context) (*JobAttachmentDetails, error) {
	data, err := c.request(ctx, types.EntityIdentifier{
		JobAttachmentDetails: &types.JobAttachmentDetailsIdentifierFields{JobID: c.jobID},
	})
	if err != nil {
		return nil, err
	}
	if data.JobAttachmentDetails == nil {
		return nil, fmt.Errorf("service returned a non-jobAttachmentDetails entity for job %s", c.jobID)
	}
	return jobAttachmentDetailsFromData(data.JobAttachmentDetails)
}

// JobID returns the job this cache serves
func (c *Cache) JobID() string {
	return c.jobID
}
