package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration
type Config struct {
	ServerAddr    string `toml:"server_addr"`
	MaxConcurrent int    `toml:"max_concurrent"`

	// ReviewerCmd is the external review-agent command.
	ReviewerCmd  string `toml:"reviewer_cmd"`
	DefaultSkill string `toml:"default_skill"`

	JobTimeoutMinutes   int `toml:"job_timeout_minutes"`
	DedupWindowMinutes  int `toml:"dedup_window_minutes"`
	KillGraceSeconds    int `toml:"kill_grace_seconds"`
	MaxReviewerMemoryMB int `toml:"max_reviewer_memory_mb"` // 0 disables the memory guard
	MemorySampleSeconds int `toml:"memory_sample_seconds"`
}

// RepoConfig holds per-repo overrides from .mergehawk.toml
type RepoConfig struct {
	Skill             string `toml:"skill"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes"`
	AutoFollowup      *bool  `toml:"auto_followup"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:          "127.0.0.1:7474",
		MaxConcurrent:       2,
		ReviewerCmd:         "mr-reviewer",
		DefaultSkill:        "code-review",
		JobTimeoutMinutes:   30,
		DedupWindowMinutes:  5,
		KillGraceSeconds:    5,
		MaxReviewerMemoryMB: 0,
		MemorySampleSeconds: 10,
	}
}

// DataDir returns the mergehawk data directory.
// Uses MERGEHAWK_DATA_DIR env var if set, otherwise ~/.mergehawk
func DataDir() string {
	if dir := os.Getenv("MERGEHAWK_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mergehawk")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadGlobal loads the global configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path.
// A missing file yields the defaults.
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadRepoConfig loads per-repo config from .mergehawk.toml.
// Returns nil, nil when the repo has no config file.
func LoadRepoConfig(repoPath string) (*RepoConfig, error) {
	path := filepath.Join(repoPath, ".mergehawk.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg RepoConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveSkill determines which review skill to use:
// 1. Explicit skill parameter (if non-empty)
// 2. Per-repo config
// 3. Global config
func ResolveSkill(explicit, repoPath string, globalCfg *Config) string {
	if explicit != "" {
		return explicit
	}
	if repoPath != "" {
		if repoCfg, err := LoadRepoConfig(repoPath); err == nil && repoCfg != nil && repoCfg.Skill != "" {
			return repoCfg.Skill
		}
	}
	if globalCfg != nil && globalCfg.DefaultSkill != "" {
		return globalCfg.DefaultSkill
	}
	return DefaultConfig().DefaultSkill
}

// ResolveJobTimeout returns the job timeout in minutes for a repo,
// preferring the per-repo override over the global setting.
func ResolveJobTimeout(repoPath string, globalCfg *Config) int {
	if repoPath != "" {
		if repoCfg, err := LoadRepoConfig(repoPath); err == nil && repoCfg != nil && repoCfg.JobTimeoutMinutes > 0 {
			return repoCfg.JobTimeoutMinutes
		}
	}
	if globalCfg != nil && globalCfg.JobTimeoutMinutes > 0 {
		return globalCfg.JobTimeoutMinutes
	}
	return DefaultConfig().JobTimeoutMinutes
}

// Save writes the configuration to the given path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
