package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VolumeKind selects the storage backend a volume is read from
type VolumeKind string

const (
	VolumeLocal      VolumeKind = "local"
	VolumeDatabricks VolumeKind = "databricks"
	VolumeS3         VolumeKind = "s3"
	VolumeMinIO      VolumeKind = "minio"
)

// GitDriver selects the git implementation
type GitDriver string

const (
	DriverShell GitDriver = "shell"
	DriverGoGit GitDriver = "go-git"
)

// Defaults shared by file and environment mode.
const (
	DefaultBranch      = "main"
	DefaultRemote      = "origin"
	DefaultAlgorithm   = "sha256"
	DefaultDeletion    = "ignore"
	DefaultConcurrency = 4
	DefaultAuthorName  = "vol2git"
	DefaultAuthorEmail = "vol2git@localhost"
	DefaultListenAddr  = "127.0.0.1:8787"

	DefaultItemTimeout = 5 * time.Minute
	DefaultPushTimeout = 2 * time.Minute
	DefaultDebounce    = 5 * time.Second
)

// Config represents the complete vol2git configuration
type Config struct {
	Volume VolumeConfig `yaml:"volume"`
	Repo   RepoConfig   `yaml:"repo"`
	Git    GitConfig    `yaml:"git"`
	Auth   AuthConfig   `yaml:"auth"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// VolumeConfig configures the source volume
type VolumeConfig struct {
	Kind VolumeKind `yaml:"kind"`
	// Path is the local directory or the Databricks volume path.
	Path string `yaml:"path"`

	Host      string `yaml:"host"`
	TokenFile string `yaml:"token_file"`
	// Token is only set in environment mode.
	Token string `yaml:"-"`

	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	PathStyle     bool   `yaml:"path_style"`
	Secure        bool   `yaml:"secure"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`

	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// RepoConfig configures the target Git repository
type RepoConfig struct {
	URL        string `yaml:"url"`
	Branch     string `yaml:"branch"`
	Dir        string `yaml:"dir"`
	DestFolder string `yaml:"dest_folder"`
	// Checkout prepares the working tree (clone or fetch and reset) before
	// each run. Defaults to true.
	Checkout *bool `yaml:"checkout"`
}

// GitConfig configures how commits are created and pushed
type GitConfig struct {
	Driver      GitDriver `yaml:"driver"`
	Remote      string    `yaml:"remote"`
	AuthorName  string    `yaml:"author_name"`
	AuthorEmail string    `yaml:"author_email"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
	// HTTPSToken is only set in environment mode.
	HTTPSToken string `yaml:"-"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
	LogDir   string `yaml:"log_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Deletion            string        `yaml:"deletion"`
	Concurrency         int           `yaml:"concurrency"`
	ItemTimeout         time.Duration `yaml:"item_timeout"`
	PushTimeout         time.Duration `yaml:"push_timeout"`
	Algorithm           string        `yaml:"algorithm"`
	TrustProviderDigest bool          `yaml:"trust_provider_digest"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	SecretFile string        `yaml:"secret_file"`
	Debounce   time.Duration `yaml:"debounce"`
}

// DefaultPath returns $HOME/.config/vol2git/config.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vol2git", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Volume.Path = os.ExpandEnv(c.Volume.Path)
	c.Volume.Host = os.ExpandEnv(c.Volume.Host)
	c.Volume.TokenFile = os.ExpandEnv(c.Volume.TokenFile)
	c.Volume.Bucket = os.ExpandEnv(c.Volume.Bucket)
	c.Volume.Prefix = os.ExpandEnv(c.Volume.Prefix)
	c.Volume.Region = os.ExpandEnv(c.Volume.Region)
	c.Volume.Endpoint = os.ExpandEnv(c.Volume.Endpoint)
	c.Volume.AccessKeyFile = os.ExpandEnv(c.Volume.AccessKeyFile)
	c.Volume.SecretKeyFile = os.ExpandEnv(c.Volume.SecretKeyFile)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.DestFolder = os.ExpandEnv(c.Repo.DestFolder)
	c.Git.AuthorName = os.ExpandEnv(c.Git.AuthorName)
	c.Git.AuthorEmail = os.ExpandEnv(c.Git.AuthorEmail)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.LogDir = os.ExpandEnv(c.Paths.LogDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Volume.Kind == "" {
		c.Volume.Kind = VolumeLocal
	}
	if c.Volume.Region == "" && c.Volume.Kind == VolumeS3 {
		c.Volume.Region = "us-east-1"
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = DefaultBranch
	}
	if c.Repo.Dir == "" && c.Paths.StateDir != "" {
		c.Repo.Dir = filepath.Join(c.Paths.StateDir, "repo")
	}
	if c.Repo.Checkout == nil {
		checkout := true
		c.Repo.Checkout = &checkout
	}
	if c.Git.Driver == "" {
		c.Git.Driver = DriverShell
	}
	if c.Git.Remote == "" {
		c.Git.Remote = DefaultRemote
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = DefaultAuthorName
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = DefaultAuthorEmail
	}
	if c.Sync.Deletion == "" {
		c.Sync.Deletion = DefaultDeletion
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.ItemTimeout == 0 {
		c.Sync.ItemTimeout = DefaultItemTimeout
	}
	if c.Sync.PushTimeout == 0 {
		c.Sync.PushTimeout = DefaultPushTimeout
	}
	if c.Sync.Algorithm == "" {
		c.Sync.Algorithm = DefaultAlgorithm
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := c.validateVolume(); err != nil {
		return err
	}

	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Repo.Dir == "" {
		return fmt.Errorf("repo.dir is required")
	}
	if dest := filepath.ToSlash(filepath.Clean(c.Repo.DestFolder)); filepath.IsAbs(c.Repo.DestFolder) ||
		dest == ".." || strings.HasPrefix(dest, "../") {
		return fmt.Errorf("repo.dest_folder must be a relative path inside the repository: %s", c.Repo.DestFolder)
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	switch c.Git.Driver {
	case DriverShell, DriverGoGit:
	default:
		return fmt.Errorf("invalid git.driver: %s (must be shell or go-git)", c.Git.Driver)
	}

	switch c.Sync.Deletion {
	case "ignore", "delete":
	default:
		return fmt.Errorf("invalid sync.deletion policy: %s (must be ignore or delete)", c.Sync.Deletion)
	}
	switch c.Sync.Algorithm {
	case "sha256", "md5":
	default:
		return fmt.Errorf("invalid sync.algorithm: %s (must be sha256 or md5)", c.Sync.Algorithm)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if c.Sync.ItemTimeout < 0 || c.Sync.PushTimeout < 0 {
		return fmt.Errorf("sync timeouts must not be negative")
	}

	// Only one auth method may be configured, and it must match the URL scheme
	hasToken := c.Auth.HTTPSTokenFile != "" || c.Auth.HTTPSToken != ""
	if c.Auth.SSHKeyFile != "" && hasToken {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if hasToken && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

func (c *Config) validateVolume() error {
	v := c.Volume
	switch v.Kind {
	case VolumeLocal:
		if v.Path == "" {
			return fmt.Errorf("volume.path is required for local volumes")
		}
	case VolumeDatabricks:
		if v.Host == "" {
			return fmt.Errorf("volume.host is required for databricks volumes")
		}
		if !strings.HasPrefix(v.Host, "https://") && !strings.HasPrefix(v.Host, "http://") {
			return fmt.Errorf("volume.host must be an http(s) URL: %s", v.Host)
		}
		if v.Path == "" {
			return fmt.Errorf("volume.path is required for databricks volumes")
		}
		if v.TokenFile == "" && v.Token == "" {
			return fmt.Errorf("volume.token_file is required for databricks volumes")
		}
	case VolumeS3:
		if v.Bucket == "" {
			return fmt.Errorf("volume.bucket is required for s3 volumes")
		}
		if (v.AccessKeyFile == "") != (v.SecretKeyFile == "") {
			return fmt.Errorf("volume.access_key_file and volume.secret_key_file must be set together")
		}
	case VolumeMinIO:
		if v.Bucket == "" {
			return fmt.Errorf("volume.bucket is required for minio volumes")
		}
		if v.Endpoint == "" {
			return fmt.Errorf("volume.endpoint is required for minio volumes")
		}
		if v.AccessKeyFile == "" || v.SecretKeyFile == "" {
			return fmt.Errorf("volume.access_key_file and volume.secret_key_file are required for minio volumes")
		}
	default:
		return fmt.Errorf("invalid volume.kind: %s (must be local, databricks, s3 or minio)", v.Kind)
	}
	return nil
}

// ShouldCheckout reports whether the working tree is prepared before a run.
func (c *Config) ShouldCheckout() bool {
	return c.Repo.Checkout == nil || *c.Repo.Checkout
}

// StateFilePath returns the path to the fingerprint record
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "fingerprints.json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" || c.Auth.HTTPSToken != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

// HTTPSToken returns the git access token from the environment or the token file.
func (c *Config) HTTPSToken() (string, error) {
	return secret(c.Auth.HTTPSToken, c.Auth.HTTPSTokenFile, "auth.https_token_file")
}

// DatabricksToken returns the Databricks access token.
func (c *Config) DatabricksToken() (string, error) {
	return secret(c.Volume.Token, c.Volume.TokenFile, "volume.token_file")
}

// ObjectStoreKeys returns the access and secret key of an S3 or MinIO volume.
// Both are empty when no key files are configured.
func (c *Config) ObjectStoreKeys() (accessKey, secretKey string, err error) {
	if c.Volume.AccessKeyFile == "" && c.Volume.SecretKeyFile == "" {
		return "", "", nil
	}
	if accessKey, err = ReadSecret(c.Volume.AccessKeyFile); err != nil {
		return "", "", fmt.Errorf("volume.access_key_file: %w", err)
	}
	if secretKey, err = ReadSecret(c.Volume.SecretKeyFile); err != nil {
		return "", "", fmt.Errorf("volume.secret_key_file: %w", err)
	}
	return accessKey, secretKey, nil
}

// ServeSecret returns the shared secret used to verify trigger signatures.
func (c *Config) ServeSecret() (string, error) {
	return secret("", c.Serve.SecretFile, "serve.secret_file")
}

func secret(inline, file, key string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if file == "" {
		return "", nil
	}
	s, err := ReadSecret(file)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

// ReadSecret reads a secret file and trims surrounding whitespace. An empty
// file is an error.
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", errors.New("secret file is empty")
	}
	return s, nil
}
