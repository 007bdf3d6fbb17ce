package hostmeta

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the link-local host metadata service
const DefaultEndpoint = "http://169.254.169.254"

const (
	tokenPath     = "/latest/api/token"
	spotPath      = "/latest/meta-data/spot/instance-action"
	lifecyclePath = "/latest/meta-data/autoscaling/target-lifecycle-state"

	tokenTTLHeader  = "X-aws-ec2-metadata-token-ttl-seconds"
	tokenHeader     = "X-aws-ec2-metadata-token"
	tokenTTLSeconds = "10"

	// lifecycleTerminated is the literal the autoscaling lifecycle
	// endpoint returns when the instance is transitioning to Terminated
	lifecycleTerminated = "Terminated"
)

// PollRate is how often the monitor checks for termination notices
const PollRate = time.Second

// LifecycleShutdownGrace is the drain grace applied when an autoscaling
// lifecycle change is detected; the platform gives no explicit deadline
const LifecycleShutdownGrace = 2 * time.Minute

// Shutdown describes an imminent host termination
type Shutdown struct {
	// GraceTime is how long the host has before termination
	GraceTime time.Duration

	// FailMessage is the human-facing reason attached to interrupted
	// actions
	FailMessage string
}

// Monitor watches token-based (IMDSv2-style) host metadata endpoints for
// spot interruption and autoscaling lifecycle termination notices
type Monitor struct {
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewMonitor creates a Monitor against the given endpoint; an empty
// endpoint uses the link-local default
func NewMonitor(endpoint string) *Monitor {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Monitor{
		endpoint: endpoint,
		// The metadata service is link-local; anything slow means it is
		// absent
		httpClient: &http.Client{Timeout: 2 * time.Second},
		logger:     log.WithComponent("hostmeta"),
	}
}

// Available reports whether the host metadata service is reachable
func (m *Monitor) Available() bool {
	_, ok := m.fetchToken()
	return ok
}

// Run polls the metadata service at 1 Hz until a termination notice is
// observed or stop fires. Returns nil when stopped or when the service
// becomes unreachable (not on a cloud host, or metadata disabled).
func (m *Monitor) Run(stop <-chan struct{}) *Shutdown {
	ticker := time.NewTicker(PollRate)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			m.logger.Debug().Msg("Host shutdown monitoring stopped")
			return nil
		case <-ticker.C:
			token, ok := m.fetchToken()
			if !ok {
				m.logger.Info().Msg("Host metadata unavailable; cannot monitor for spot interruption or lifecycle changes")
				return nil
			}
			if grace, ok := m.spotShutdownGrace(token); ok {
				m.logger.Info().Dur("grace", grace).Msg("Spot interruption detected")
				return &Shutdown{
					GraceTime:   grace,
					FailMessage: "The Worker received an EC2 spot interruption",
				}
			}
			if m.lifecycleTerminated(token) {
				m.logger.Info().Dur("grace", LifecycleShutdownGrace).
					Msg("Auto-scaling lifecycle change detected")
				return &Shutdown{
					GraceTime:   LifecycleShutdownGrace,
					FailMessage: "The Worker received an auto-scaling lifecycle change event",
				}
			}
		}
	}
}

// fetchToken obtains a short-lived metadata access token
func (m *Monitor) fetchToken() (string, bool) {
	req, err := http.NewRequest(http.MethodPut, m.endpoint+tokenPath, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set(tokenTTLHeader, tokenTTLSeconds)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		// Not on a cloud host, or the metadata service is disabled
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}
	return string(token), true
}

// spotInstanceAction is the spot interruption notice shape
type spotInstanceAction struct {
	Action string `json:"action"`
	Time   string `json:"time"`
}

// spotShutdownGrace returns the time remaining before a spot-driven
// stop/terminate, when one is pending
func (m *Monitor) spotShutdownGrace(token string) (time.Duration, bool) {
	body, ok := m.get(spotPath, token)
	if !ok {
		return 0, false
	}
	var notice spotInstanceAction
	if err := json.Unmarshal(body, &notice); err != nil {
		return 0, false
	}
	if notice.Action != "stop" && notice.Action != "terminate" {
		return 0, false
	}
	if notice.Time == "" {
		m.logger.Error().Msg("Missing time property in spot instance-action response")
		return 0, false
	}
	shutdownTime, err := time.Parse(time.RFC3339, notice.Time)
	if err != nil {
		m.logger.Error().Err(err).Msg("Malformed time in spot instance-action response")
		return 0, false
	}
	m.logger.Info().Str("action", notice.Action).Str("time", notice.Time).Msg("Spot termination notice")
	grace := time.Until(shutdownTime).Truncate(time.Second)
	if grace <= 0 {
		m.logger.Error().Msg("Spot termination time is in the past")
		return 0, false
	}
	return grace, true
}

// lifecycleTerminated reports whether the autoscaling group set this
// instance to transition to Terminated
func (m *Monitor) lifecycleTerminated(token string) bool {
	body, ok := m.get(lifecyclePath, token)
	if !ok {
		return false
	}
	return string(body) == lifecycleTerminated
}

func (m *Monitor) get(path, token string) ([]byte, bool) {
	req, err := http.NewRequest(http.MethodGet, m.endpoint+path, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set(tokenHeader, token)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	return body, true
}
