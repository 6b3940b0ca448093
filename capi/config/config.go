package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// DefaultPath is where the config file is expected in production.
const DefaultPath = "/etc/capi/config.yaml"

// Config is the full configuration for every capi process. Values come from
// the YAML config file, overlaid with AIXCC_-prefixed environment variables
// (e.g. AIXCC_DATABASE_PASSWORD).
type Config struct {
	RunID       string `yaml:"run_id" env:"RUN_ID"`
	CPRoot      string `yaml:"cp_root" env:"CP_ROOT"`
	FlatfileDir string `yaml:"flatfile_dir" env:"FLATFILE_DIR"`
	TempDir     string `yaml:"tempdir" env:"TEMPDIR"`
	AuditFile   string `yaml:"audit_file" env:"AUDIT_FILE"`
	MockMode    bool   `yaml:"mock_mode" env:"MOCK_MODE"`

	// Workers lists team token ids that have a dedicated worker queue.
	// Submissions from any other team land on the "default" queue.
	Workers []string `yaml:"workers" env:"WORKERS"`

	Database Database `yaml:"database" envPrefix:"DATABASE_"`
	Redis    Redis    `yaml:"redis" envPrefix:"REDIS_"`
	Auth     Auth     `yaml:"auth"`
	Azure    Azure    `yaml:"azure" envPrefix:"AZURE_"`
	Scoring  Scoring  `yaml:"scoring"`
	Worker   Worker   `yaml:"worker" envPrefix:"WORKER_"`
}

type Database struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

// DSN returns a pgx-compatible connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		d.Username, d.Password, d.Host, d.Port, d.Name,
	)
}

type Redis struct {
	Host     string   `yaml:"host" env:"HOST"`
	Port     int      `yaml:"port" env:"PORT"`
	Password string   `yaml:"password" env:"PASSWORD"`
	SSL      bool     `yaml:"ssl" env:"SSL"`
	Channels Channels `yaml:"channels"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type Channels struct {
	Audit   string `yaml:"audit"`
	Results string `yaml:"results"`
}

type Auth struct {
	// Preload maps token ids to their plaintext secrets; the rows are
	// upserted (hashed) at startup.
	Preload map[string]string `yaml:"preload"`
	Admins  []string          `yaml:"admins"`
}

type Azure struct {
	AccountName string `yaml:"account_name" env:"ACCOUNT_NAME"`
	AccountKey  string `yaml:"account_key" env:"ACCOUNT_KEY"`
	// Endpoint overrides the blob endpoint, e.g. for azurite. Empty means
	// https://<account>.blob.core.windows.net.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

type Scoring struct {
	RejectDuplicateVDS *bool `yaml:"reject_duplicate_vds"`
}

// RejectDuplicates defaults to true when unset.
func (s Scoring) RejectDuplicates() bool {
	return s.RejectDuplicateVDS == nil || *s.RejectDuplicateVDS
}

type Worker struct {
	ID                  string        `yaml:"id" env:"ID"`
	MaxConcurrentJobs   int           `yaml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

func defaults() Config {
	return Config{
		RunID:       "00000000-0000-0000-0000-000000000000",
		FlatfileDir: "/var/log/capi",
		AuditFile:   "/var/log/capi/audit.log",
		Database: Database{
			Host: "127.0.0.1",
			Port: 5432,
			Name: "capi",
		},
		Redis: Redis{
			Host: "127.0.0.1",
			Port: 6379,
			Channels: Channels{
				Audit:   "channel:audit",
				Results: "channel:results",
			},
		},
		Worker: Worker{
			ID:                  "default",
			MaxConcurrentJobs:   50,
			HealthCheckInterval: 30 * time.Second,
		},
	}
}

// Load reads the config file at path (missing files are tolerated: env vars
// and defaults still apply) and overlays AIXCC_-prefixed environment
// variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file; env vars and defaults carry the day.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "AIXCC_"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Redis.Channels.Audit == "" {
		cfg.Redis.Channels.Audit = "channel:audit"
	}
	if cfg.Redis.Channels.Results == "" {
		cfg.Redis.Channels.Results = "channel:results"
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = "default"
	}
	if cfg.Worker.MaxConcurrentJobs == 0 {
		cfg.Worker.MaxConcurrentJobs = 50
	}

	return &cfg, nil
}
