// Package config loads the worker's runtime configuration from environment
// variables, with an optional YAML overlay file for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a worker instance needs to run. All fields come
// from EDIT_WORKER_* environment variables; a YAML file (if present) wins
// over the environment for the fields it sets.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`

	UnclaimedQueueURL        string `yaml:"unclaimed_queue_url"`
	InterruptQueueURLPattern string `yaml:"owned_interrupt_queue_url_pattern"`

	OwnershipTable string `yaml:"ownership_table"`
	ActiveJobTable string `yaml:"active_job_table"`

	GitCredential string `yaml:"git_credential"`
	GitUserName   string `yaml:"git_user_name"`
	GitUserEmail  string `yaml:"git_user_email"`

	EditCommand    string   `yaml:"edit_command"`
	BuildCommand   string   `yaml:"build_command"`
	BuildOutputDir string   `yaml:"build_output_dir"`
	SiteBucket     string   `yaml:"site_bucket_pattern"`
	PublishExclude []string `yaml:"publish_exclude"`

	HeartbeatPeriod        time.Duration `yaml:"heartbeat_period"`
	VisibilityExtendPeriod time.Duration `yaml:"visibility_extend_period"`
	VisibilityTimeout      time.Duration `yaml:"visibility_timeout"`
	LeaseDuration          time.Duration `yaml:"lease_duration"`
	LeaseRefreshPeriod     time.Duration `yaml:"lease_refresh_period"`
	AbortGracePeriod       time.Duration `yaml:"abort_grace_period"`

	PushEnabled    bool `yaml:"push_enabled"`
	PushRetryCount int  `yaml:"push_retry_count"`

	JournalPath string `yaml:"journal_path"`
}

// FromEnv builds a Config from the environment, applying defaults for
// everything that has a sensible one.
func FromEnv() *Config {
	cfg := &Config{
		WorkspaceRoot:            envOr("EDIT_WORKER_WORKSPACE_ROOT", "/workspace"),
		UnclaimedQueueURL:        os.Getenv("EDIT_WORKER_UNCLAIMED_QUEUE_URL"),
		InterruptQueueURLPattern: os.Getenv("EDIT_WORKER_INTERRUPT_QUEUE_URL_PATTERN"),
		OwnershipTable:           envOr("EDIT_WORKER_OWNERSHIP_TABLE", "edit-ownership"),
		ActiveJobTable:           envOr("EDIT_WORKER_ACTIVE_JOB_TABLE", "edit-active-job"),
		GitCredential:            os.Getenv("EDIT_WORKER_GIT_CREDENTIAL"),
		GitUserName:              envOr("EDIT_WORKER_GIT_USER_NAME", "Edit Worker"),
		GitUserEmail:             envOr("EDIT_WORKER_GIT_USER_EMAIL", "edit-worker@webordinary.com"),
		EditCommand:              envOr("EDIT_WORKER_EDIT_COMMAND", "claude"),
		BuildCommand:             envOr("EDIT_WORKER_BUILD_COMMAND", "npm run build"),
		BuildOutputDir:           envOr("EDIT_WORKER_BUILD_OUTPUT_DIR", "dist"),
		SiteBucket:               envOr("EDIT_WORKER_SITE_BUCKET_PATTERN", "{project}-edit-site"),
		HeartbeatPeriod:          envDuration("EDIT_WORKER_HEARTBEAT_PERIOD", 30*time.Second),
		VisibilityExtendPeriod:   envDuration("EDIT_WORKER_VISIBILITY_EXTEND_PERIOD", 4*time.Minute),
		VisibilityTimeout:        envDuration("EDIT_WORKER_VISIBILITY_TIMEOUT", 5*time.Minute),
		LeaseDuration:            envDuration("EDIT_WORKER_LEASE_DURATION", 3*time.Minute),
		LeaseRefreshPeriod:       envDuration("EDIT_WORKER_LEASE_REFRESH_PERIOD", time.Minute),
		AbortGracePeriod:         envDuration("EDIT_WORKER_ABORT_GRACE_PERIOD", 8*time.Second),
		PushEnabled:              envBool("EDIT_WORKER_PUSH_ENABLED", true),
		PushRetryCount:           envInt("EDIT_WORKER_PUSH_RETRY_COUNT", 3),
		JournalPath:              os.Getenv("EDIT_WORKER_JOURNAL_PATH"),
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.WorkspaceRoot, "edit-worker.db")
	}
	return cfg
}

// Load builds a Config from the environment and, if path names an existing
// file, overlays the YAML fields set in it.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first missing required field.
func (c *Config) Validate() error {
	switch {
	case c.UnclaimedQueueURL == "":
		return fmt.Errorf("missing required config: unclaimed_queue_url")
	case c.WorkspaceRoot == "":
		return fmt.Errorf("missing required config: workspace_root")
	case c.OwnershipTable == "":
		return fmt.Errorf("missing required config: ownership_table")
	case c.ActiveJobTable == "":
		return fmt.Errorf("missing required config: active_job_table")
	case c.LeaseRefreshPeriod >= c.LeaseDuration:
		return fmt.Errorf("lease_refresh_period (%s) must be shorter than lease_duration (%s)",
			c.LeaseRefreshPeriod, c.LeaseDuration)
	case c.VisibilityExtendPeriod >= c.VisibilityTimeout:
		return fmt.Errorf("visibility_extend_period (%s) must be shorter than visibility_timeout (%s)",
			c.VisibilityExtendPeriod, c.VisibilityTimeout)
	}
	return nil
}

// WorkspaceDir returns the on-disk workspace for a (project, user) pair and
// repository: {root}/{project}/{user}/{repo_name}.
func (c *Config) WorkspaceDir(project, user, repoURL string) string {
	return filepath.Join(c.WorkspaceRoot, project, user, RepoName(repoURL))
}

// BucketFor expands the site bucket pattern for a project.
func (c *Config) BucketFor(project string) string {
	return strings.ReplaceAll(c.SiteBucket, "{project}", project)
}

// InterruptQueueURL expands the interrupt queue pattern for a pair.
func (c *Config) InterruptQueueURL(project, user string) string {
	url := strings.ReplaceAll(c.InterruptQueueURLPattern, "{project}", project)
	return strings.ReplaceAll(url, "{user}", user)
}

// RepoName extracts the repository directory name from a clone URL.
func RepoName(repoURL string) string {
	name := repoURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
