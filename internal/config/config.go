package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy mirrors the tunable validator and ledger thresholds.
type Policy struct {
	MediumWarningThreshold int     `yaml:"medium_warning_threshold"`
	LowWarningThreshold    int     `yaml:"low_warning_threshold"`
	SizeTolerance          float64 `yaml:"size_tolerance"`
	LeadingBlockSize       int     `yaml:"leading_block_size"`
	MaxHPClaim             float64 `yaml:"max_hp_claim"`
	MaxTorqueClaim         float64 `yaml:"max_torque_claim"`
	WarrantyYearThreshold  int     `yaml:"warranty_year_threshold"`
}

type Config struct {
	DBPath        string        `yaml:"db"`
	BackupDir     string        `yaml:"backup_dir"`
	ProfilesPath  string        `yaml:"profiles"`
	ValidationTTL time.Duration `yaml:"validation_ttl"`
	CacheSize     int           `yaml:"cache_size"`
	Policy        Policy        `yaml:"policy"`
}

func Default() *Config {
	return &Config{
		DBPath:        "flashguard.db",
		BackupDir:     "backups",
		ValidationTTL: 90 * 24 * time.Hour,
		CacheSize:     256,
		Policy: Policy{
			MediumWarningThreshold: 5,
			LowWarningThreshold:    2,
			SizeTolerance:          0.10,
			LeadingBlockSize:       256,
			MaxHPClaim:             50,
			MaxTorqueClaim:         40,
			WarrantyYearThreshold:  2018,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, then the
// environment. An empty path falls back to FLASHGUARD_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FLASHGUARD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	cfg.DBPath = getEnv("FLASHGUARD_DB", cfg.DBPath)
	cfg.BackupDir = getEnv("FLASHGUARD_BACKUP_DIR", cfg.BackupDir)
	cfg.ProfilesPath = getEnv("FLASHGUARD_PROFILES", cfg.ProfilesPath)
	cfg.CacheSize = getEnvInt("FLASHGUARD_CACHE_SIZE", cfg.CacheSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db path is required")
	}
	if c.BackupDir == "" {
		return fmt.Errorf("config: backup dir is required")
	}
	if c.Policy.LowWarningThreshold < 0 || c.Policy.MediumWarningThreshold < c.Policy.LowWarningThreshold {
		return fmt.Errorf("config: warning thresholds must satisfy 0 <= low <= medium")
	}
	if c.Policy.SizeTolerance < 0 {
		return fmt.Errorf("config: size tolerance must not be negative")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("config: cache size must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
