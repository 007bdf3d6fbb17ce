package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/farmhand/pkg/types"
	"gopkg.in/yaml.v3"
)

// Default filesystem locations
const (
	DefaultConfigPath     = "/etc/farmhand/config.yaml"
	DefaultPersistenceDir = "/var/lib/farmhand"
	DefaultLogsDir        = "/var/log/farmhand"
	DefaultSessionRoot    = "/var/lib/farmhand/sessions"
)

// Config is the agent configuration, assembled from the YAML config
// file, FARMHAND_* environment variables, and command line flags (in
// increasing precedence).
type Config struct {
	// FarmID and FleetID identify where the worker registers
	FarmID  string `yaml:"farm_id"`
	FleetID string `yaml:"fleet_id"`

	// Endpoint is the dispatch service base URL
	Endpoint string `yaml:"endpoint"`

	// PersistenceDir holds worker state, the status journal, and
	// credential caches
	PersistenceDir string `yaml:"persistence_dir"`

	// LogsDir holds local session logs; empty disables them
	LogsDir string `yaml:"logs_dir"`

	// SessionRootDir is where session working directories are created
	SessionRootDir string `yaml:"session_root_dir"`

	// HostMetadataEndpoint overrides the link-local metadata service
	// (used by tests); empty uses the default
	HostMetadataEndpoint string `yaml:"host_metadata_endpoint"`

	// RunJobsAsAgentUser disables impersonation: all session actions
	// run as the agent process user
	RunJobsAsAgentUser bool `yaml:"run_jobs_as_agent_user"`

	// JobUser, when set, overrides the queue-configured session user
	JobUser *types.PosixUser `yaml:"job_user"`

	// CleanupSessionUserProcesses stops processes left running as a
	// session user once the user's last session is removed
	CleanupSessionUserProcesses bool `yaml:"cleanup_session_user_processes"`

	// RetainSessionDirs leaves session working directories on disk
	RetainSessionDirs bool `yaml:"retain_session_dirs"`

	// Capabilities declared to the service on STARTED
	Capabilities types.Capabilities `yaml:"capabilities"`

	// MetricsAddr serves Prometheus metrics when set (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr"`

	// RequestTimeout bounds one dispatch service HTTP exchange
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		PersistenceDir:              DefaultPersistenceDir,
		LogsDir:                     DefaultLogsDir,
		SessionRootDir:              DefaultSessionRoot,
		CleanupSessionUserProcesses: true,
		RequestTimeout:              30 * time.Second,
	}
}

// Load reads the config file (when it exists) over the defaults, then
// applies environment variable overrides
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	payload, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FARMHAND_FARM_ID"); v != "" {
		cfg.FarmID = v
	}
	if v := os.Getenv("FARMHAND_FLEET_ID"); v != "" {
		cfg.FleetID = v
	}
	if v := os.Getenv("FARMHAND_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("FARMHAND_PERSISTENCE_DIR"); v != "" {
		cfg.PersistenceDir = v
	}
	if v := os.Getenv("FARMHAND_LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
}

// Validate checks that the configuration is runnable
func (c Config) Validate() error {
	if c.FarmID == "" {
		return fmt.Errorf("farm_id is required")
	}
	if c.FleetID == "" {
		return fmt.Errorf("fleet_id is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.PersistenceDir == "" {
		return fmt.Errorf("persistence_dir is required")
	}
	if c.RunJobsAsAgentUser && c.JobUser != nil {
		return fmt.Errorf("run_jobs_as_agent_user and job_user are mutually exclusive")
	}
	if !filepath.IsAbs(c.PersistenceDir) {
		return fmt.Errorf("persistence_dir must be an absolute path")
	}
	return nil
}
