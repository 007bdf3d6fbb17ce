package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/rs/zerolog"
)

// Minimum refresh thresholds. The advisory threshold must exceed the
// mandatory one by at least five minutes.
const (
	MinAdvisoryRefreshTimeout  = 15 * time.Minute
	MinMandatoryRefreshTimeout = 10 * time.Minute

	// advisoryRetryInterval is the retry cadence once inside the
	// advisory window
	advisoryRetryInterval = time.Minute
)

// ExpiringError is passed to the failure callback when, after a refresh
// attempt, the credentials still expire within the mandatory window (or
// have already expired)
type ExpiringError struct {
	Expiry time.Time
}

func (e *ExpiringError) Error() string {
	return fmt.Sprintf("credentials expire at %s and could not be refreshed in time", e.Expiry.Format(time.RFC3339))
}

// Source is a refreshable credential origin: it performs the service
// call, updates its slot, and re-persists any on-disk state
type Source interface {
	RefreshCredentials(ctx context.Context) error
	Expiry() time.Time
}

// RefresherConfig configures a Refresher
type RefresherConfig struct {
	// Identifier appears in log lines about this refresher
	Identifier string

	Source          Source
	FailureCallback func(error)

	// AdvisoryRefreshTimeout defaults to (and must be at least) 15
	// minutes; MandatoryRefreshTimeout defaults to (and must be at
	// least) 10 minutes.
	AdvisoryRefreshTimeout  time.Duration
	MandatoryRefreshTimeout time.Duration

	// Interrupt stops the refresher without a callback when it fires
	Interrupt <-chan struct{}
}

// Refresher keeps a credential source fresh for as long as at least one
// scope holds it entered.
//
// Enter/Exit are re-entrant from multiple goroutines: the refresh timer
// starts on the first Enter and stops on the last Exit.
//
// Scheduling: while the credentials expire further out than the
// advisory threshold, the next refresh is scheduled for the moment the
// advisory window opens. Inside the advisory window the refresher
// retries every minute. If a refresh attempt leaves less than the
// mandatory threshold of lifetime, the failure callback receives an
// *ExpiringError and refreshing stops.
type Refresher struct {
	identifier string
	source     Source
	callback   func(error)
	advisory   time.Duration
	mandatory  time.Duration
	interrupt  <-chan struct{}
	logger     zerolog.Logger

	mu    sync.Mutex
	count int
	timer *time.Timer
}

// NewRefresher validates the thresholds and creates a Refresher
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	advisory := cfg.AdvisoryRefreshTimeout
	if advisory == 0 {
		advisory = MinAdvisoryRefreshTimeout
	}
	mandatory := cfg.MandatoryRefreshTimeout
	if mandatory == 0 {
		mandatory = MinMandatoryRefreshTimeout
	}
	if advisory < MinAdvisoryRefreshTimeout {
		return nil, fmt.Errorf("advisory refresh timeout %s is below the minimum %s", advisory, MinAdvisoryRefreshTimeout)
	}
	if mandatory < MinMandatoryRefreshTimeout {
		return nil, fmt.Errorf("mandatory refresh timeout %s is below the minimum %s", mandatory, MinMandatoryRefreshTimeout)
	}
	if advisory < mandatory+5*time.Minute {
		return nil, fmt.Errorf("advisory refresh timeout %s must exceed the mandatory timeout %s by at least five minutes", advisory, mandatory)
	}
	return &Refresher{
		identifier: cfg.Identifier,
		source:     cfg.Source,
		callback:   cfg.FailureCallback,
		advisory:   advisory,
		mandatory:  mandatory,
		interrupt:  cfg.Interrupt,
		logger:     log.WithComponent("credentials"),
	}, nil
}

// Enter begins (or joins) the refresh scope
func (r *Refresher) Enter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		r.scheduleLocked(time.Until(r.source.Expiry()))
	}
	r.count++
}

// Exit leaves the refresh scope; the last exit stops the timer
func (r *Refresher) Exit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count--
	if r.count == 0 && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// NextRefreshDelay computes when to attempt the next refresh for the
// given time to expiry
func (r *Refresher) NextRefreshDelay(timeToExpiry time.Duration) time.Duration {
	if timeToExpiry > r.advisory {
		return timeToExpiry - r.advisory
	}
	return advisoryRetryInterval
}

func (r *Refresher) scheduleLocked(timeToExpiry time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	refreshIn := r.NextRefreshDelay(timeToExpiry)
	r.timer = time.AfterFunc(refreshIn, r.refresh)
	r.logger.Info().
		Str("identifier", r.identifier).
		Time("scheduled_time", time.Now().Add(refreshIn)).
		Msg("Credential refresh scheduled")
}

func (r *Refresher) interrupted() bool {
	select {
	case <-r.interrupt:
		return true
	default:
		return false
	}
}

// refresh runs on the timer goroutine when it is time to refresh the
// stored credentials
func (r *Refresher) refresh() {
	if r.interrupted() {
		// An external actor is winding things down; stop silently
		return
	}

	err := r.source.RefreshCredentials(context.Background())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	role := "worker"
	if strings.HasPrefix(r.identifier, "Queue") {
		role = "queue"
	}
	metrics.CredentialRefreshesTotal.WithLabelValues(role, outcome).Inc()
	switch {
	case err == nil:
	case errors.Is(err, api.ErrInterrupted):
		return
	default:
		var conditionally *api.ConditionallyRecoverableError
		if errors.As(err, &conditionally) {
			// Let the owner decide whether to stop; keep trying in the
			// meantime.
			r.callback(err)
		} else {
			r.callback(err)
			return
		}
	}

	timeRemaining := time.Until(r.source.Expiry())
	if timeRemaining < r.mandatory {
		// Refresh attempted and the credentials still expire within the
		// mandatory window (or already have)
		r.callback(&ExpiringError{Expiry: r.source.Expiry()})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > 0 {
		r.scheduleLocked(timeRemaining)
	}
}
