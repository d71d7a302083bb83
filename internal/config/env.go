package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read in environment mode.
const (
	EnvGitHubRepo        = "GITHUB_REPO"
	EnvGitHubPAT         = "GITHUB_PAT"
	EnvDatabricksHost    = "DATABRICKS_HOST"
	EnvDatabricksToken   = "DATABRICKS_TOKEN"
	EnvVolumePath        = "VOLUME_PATH"
	EnvBranchName        = "BRANCH_NAME"
	EnvLocalFolder       = "LOCAL_FOLDER"
	EnvDestinationFolder = "DESTINATION_FOLDER"
	EnvLogDir            = "LOG_DIR"
)

var requiredEnv = []string{EnvGitHubRepo, EnvGitHubPAT, EnvDatabricksHost, EnvDatabricksToken, EnvVolumePath}

// LoadEnvFile loads variables from a .env file without overriding variables
// that are already set. A missing file is only an error when the path was
// given explicitly.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// FromEnv builds a configuration for a Databricks volume from environment
// variables. Relative folders are resolved against the working directory.
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var missing []string
	for _, key := range requiredEnv {
		if getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	repoDir, err := filepath.Abs(envOr(getenv, EnvLocalFolder, "./repo"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvLocalFolder, err)
	}
	logDir, err := filepath.Abs(envOr(getenv, EnvLogDir, "./logs"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvLogDir, err)
	}

	cfg := &Config{
		Volume: VolumeConfig{
			Kind:  VolumeDatabricks,
			Host:  strings.TrimRight(getenv(EnvDatabricksHost), "/"),
			Token: getenv(EnvDatabricksToken),
			Path:  strings.TrimRight(getenv(EnvVolumePath), "/"),
		},
		Repo: RepoConfig{
			URL:        repoURL(getenv(EnvGitHubRepo)),
			Branch:     envOr(getenv, EnvBranchName, DefaultBranch),
			Dir:        repoDir,
			DestFolder: envOr(getenv, EnvDestinationFolder, "logs"),
		},
		Auth: AuthConfig{
			HTTPSToken: getenv(EnvGitHubPAT),
		},
		// The fingerprint record is kept in the log dir next to the run logs.
		Paths: PathsConfig{
			StateDir: logDir,
			LogDir:   logDir,
		},
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return cfg, nil
}

// repoURL turns "github.com/user/repo.git" into an https URL. URLs that already
// carry a scheme or use scp-like ssh syntax are returned unchanged.
func repoURL(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return repo
	}
	return "https://" + strings.TrimPrefix(repo, "/")
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}
