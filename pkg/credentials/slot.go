package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Slot holds one set of role credentials with atomic snapshot
// semantics: every read observes an access key, secret key, and session
// token from the same refresh cycle.
//
// Slot implements aws.CredentialsProvider so it can be handed directly
// to AWS SDK clients.
type Slot struct {
	mu    sync.RWMutex
	creds aws.Credentials
	set   bool
}

// Set replaces the slot's credentials as a single unit
func (s *Slot) Set(creds aws.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.set = true
}

// Snapshot returns the current credential triple. The bool is false when
// the slot has never been populated.
func (s *Slot) Snapshot() (aws.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.set
}

// Expiry returns the expiry of the current credentials, or the zero time
// when the slot is empty
func (s *Slot) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return time.Time{}
	}
	return s.creds.Expires
}

// Retrieve implements aws.CredentialsProvider
func (s *Slot) Retrieve(_ context.Context) (aws.Credentials, error) {
	creds, ok := s.Snapshot()
	if !ok {
		return aws.Credentials{}, fmt.Errorf("credential slot has not been populated")
	}
	return creds, nil
}
