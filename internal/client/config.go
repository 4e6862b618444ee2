package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hqsync/hqsync/internal/blob"
	"github.com/hqsync/hqsync/internal/sync"
	"github.com/hqsync/hqsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".hqsync", "config.json")
	DefaultClientAddr = "localhost:7938"
)

// Config is the full client configuration, loadable from JSON or through
// viper (flags, env, file).
type Config struct {
	DataDir      string `json:"data_dir"      mapstructure:"data_dir"`
	Owner        string `json:"owner"         mapstructure:"owner"`
	RemotePrefix string `json:"remote_prefix" mapstructure:"remote_prefix"`

	Sync         SyncConfig         `json:"sync"          mapstructure:"sync"`
	Blob         blob.S3Config      `json:"blob"          mapstructure:"blob"`
	ControlPlane ControlPlaneConfig `json:"control_plane" mapstructure:"control_plane"`

	// where this config was loaded from, not persisted
	Path string `json:"-" mapstructure:"-"`
}

type SyncConfig struct {
	SyncInterval           time.Duration `json:"sync_interval"            mapstructure:"sync_interval"`
	PollInterval           time.Duration `json:"poll_interval"            mapstructure:"poll_interval"`
	BatchSize              int           `json:"batch_size"               mapstructure:"batch_size"`
	DebounceDelay          time.Duration `json:"debounce_delay"           mapstructure:"debounce_delay"`
	MaxConcurrentUploads   int           `json:"max_concurrent_uploads"   mapstructure:"max_concurrent_uploads"`
	MaxConcurrentDownloads int           `json:"max_concurrent_downloads" mapstructure:"max_concurrent_downloads"`
	MaxListPages           int           `json:"max_list_pages"           mapstructure:"max_list_pages"`
	DeletePolicy           string        `json:"delete_policy"            mapstructure:"delete_policy"`
	PreserveTimestamps     bool          `json:"preserve_timestamps"      mapstructure:"preserve_timestamps"`
	UseLock                bool          `json:"use_lock"                 mapstructure:"use_lock"`
	IgnorePatterns         []string      `json:"ignore_patterns"          mapstructure:"ignore_patterns"`
}

type ControlPlaneConfig struct {
	Enabled   bool   `json:"enabled"    mapstructure:"enabled"`
	Addr      string `json:"addr"       mapstructure:"addr"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Owner == "" {
		return errors.New("owner is required")
	}
	if c.Blob.BucketName == "" {
		return errors.New("blob.bucket_name is required")
	}

	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	c.DataDir = dataDir

	// the uploader joins keys as prefix + "/" + path; a trailing slash here
	// would make its keys and the poller's diverge
	c.RemotePrefix = strings.TrimRight(c.RemotePrefix, "/")
	if c.RemotePrefix == "" {
		c.RemotePrefix = c.Owner
	}
	if c.Sync.SyncInterval <= 0 {
		c.Sync.SyncInterval = sync.DefaultSyncInterval
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = sync.DefaultPollInterval
	}
	if c.Sync.DeletePolicy == "" {
		c.Sync.DeletePolicy = string(sync.DeletePolicyTrash)
	}
	switch sync.DeletePolicy(c.Sync.DeletePolicy) {
	case sync.DeletePolicyDelete, sync.DeletePolicyTrash, sync.DeletePolicyKeep:
	default:
		return fmt.Errorf("invalid delete_policy: %q", c.Sync.DeletePolicy)
	}
	if c.ControlPlane.Addr == "" {
		c.ControlPlane.Addr = DefaultClientAddr
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
