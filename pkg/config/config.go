// Package config loads and validates the immutable configuration snapshot
// every s3gc component is threaded with. It is built once at startup with
// alecthomas/kong's struct-tag parsing, and carries `env:"..."` tags
// satisfying the admin adapter's environment-variable contract. Flags and
// environment variables are normally enough; an optional TOML file
// (github.com/BurntSushi/toml) can seed defaults that flags/env override.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/block/s3gc/pkg/s3gcerr"
)

// Mode is the GC cycle's action level.
type Mode string

const (
	ModeDryRun    Mode = "dry_run"
	ModeAuditOnly Mode = "audit_only"
	ModeExecute   Mode = "execute"
)

// CDCBackend selects which replication source feeds the registry.
type CDCBackend string

const (
	CDCBackendNone     CDCBackend = ""
	CDCBackendPostgres CDCBackend = "postgres"
	CDCBackendMySQL    CDCBackend = "mysql"
)

// WatchedColumn is a (table, column) pair declared in configuration. The set
// is fixed at process start.
type WatchedColumn struct {
	Table  string
	Column string
}

// TOMLFile is the on-disk overlay shape, loaded before flags/env are applied.
// Field names intentionally mirror Config so the overlay can be unmarshalled
// directly into a Config-shaped value prior to flag/env layering.
type TOMLFile struct {
	Bucket            string              `toml:"bucket"`
	Region            string              `toml:"region"`
	S3Endpoint        string              `toml:"s3_endpoint"`
	S3AccessKeyID     string              `toml:"s3_access_key_id"`
	S3SecretKey       string              `toml:"s3_secret_access_key"`
	S3ForcePathStyle  bool                `toml:"s3_force_path_style"`
	Tables            map[string][]string `toml:"tables"`
	Mode              string              `toml:"mode"`
	RetentionDays     int                 `toml:"retention_days"`
	ExcludePrefixes   []string            `toml:"exclude_prefixes"`
	VaultPath         string              `toml:"vault_path"`
	CDCBackend        string              `toml:"cdc_backend"`
	CDCConnectionURL  string              `toml:"cdc_connection_url"`
	Schedule          string              `toml:"schedule"`
	AdminAPIKey       string              `toml:"admin_api_key"`
	WorkerConcurrency int                 `toml:"worker_concurrency"`
}

// CLI is the kong-parsed command-line and environment-variable surface. Its
// fields carry the exact env var names from the external interfaces
// contract so that `--help` documentation and env-var loading are the same
// declaration.
type CLI struct {
	ConfigFile string `name:"config-file" help:"Optional TOML file to seed defaults from." type:"existingfile" optional:""`

	Bucket           string   `name:"bucket" env:"S3_BUCKET" help:"Target S3 bucket."`
	Region           string   `name:"region" env:"AWS_REGION" help:"AWS region." default:"us-east-1"`
	S3Endpoint       string   `name:"s3-endpoint" env:"S3_ENDPOINT" help:"Override endpoint for an S3-compatible store; empty uses AWS's default resolver."`
	S3AccessKeyID    string   `name:"s3-access-key-id" env:"S3_ACCESS_KEY_ID" help:"Static credential for an S3-compatible store; empty uses the SDK's default credential chain."`
	S3SecretKey      string   `name:"s3-secret-access-key" env:"S3_SECRET_ACCESS_KEY" help:"Paired with s3-access-key-id."`
	S3ForcePathStyle bool     `name:"s3-force-path-style" env:"S3_FORCE_PATH_STYLE" help:"Use path-style addressing, required by most non-AWS S3-compatible stores."`
	Mode             string   `name:"mode" env:"S3GC_MODE" help:"dry_run, audit_only, or execute." default:"dry_run"`
	VaultPath        string   `name:"vault-path" env:"S3GC_VAULT_PATH" help:"Root directory for the vault audit DB and backup blobs." default:"./vault"`
	RetentionDays    int      `name:"retention-days" env:"S3GC_RETENTION_DAYS" help:"Minimum object age before deletion." default:"7"`
	ExcludePrefixes  []string `name:"exclude-prefixes" env:"S3GC_EXCLUDE_PREFIXES" help:"Comma-separated key prefixes that are never candidates." sep:","`
	ScheduleCron     string   `name:"schedule-cron" env:"S3GC_SCHEDULE_CRON" help:"\"HH:MM\" UTC daily trigger; absent disables auto-run."`
	DatabaseURL      string   `name:"database-url" env:"DATABASE_URL" help:"CDC source DSN; required iff cdc-backend is set."`
	CDCBackend       string   `name:"cdc-backend" env:"S3GC_CDC_BACKEND" help:"postgres, mysql, or empty for scan-only mode."`
	AdminAPIKey      string   `name:"admin-api-key" env:"S3GC_ADMIN_API_KEY" help:"Bearer token required on the admin HTTP surface."`

	// Tables has no env var in the external interfaces contract (it is a
	// structured map); it is only settable via the TOML overlay or
	// repeated --table flags of the form table.column.
	Table []string `name:"table" help:"Watched table.column pair; may be repeated." sep:"none"`

	WorkerConcurrency int `name:"worker-concurrency" help:"Bounded worker pool size for verification/action steps." default:"8"`
}

// Config is the frozen snapshot shared by pointer with every component
// after Initialize. There is deliberately no mutation API; a
// config reload requires a full process restart.
type Config struct {
	Bucket            string
	Region            string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretKey       string
	S3ForcePathStyle  bool
	WatchedColumns    []WatchedColumn
	Mode              Mode
	RetentionDays     int
	ExcludePrefixes   []string
	VaultPath         string
	CDCBackend        CDCBackend
	CDCConnectionURL  string
	ScheduleCron      string
	AdminAPIKey       string
	WorkerConcurrency int
}

// LoadTOML reads a TOML overlay file, ignoring a missing path.
func LoadTOML(path string) (*TOMLFile, error) {
	if path == "" {
		return &TOMLFile{}, nil
	}
	var f TOMLFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if os.IsNotExist(err) {
			return &TOMLFile{}, nil
		}
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "decoding TOML config overlay", err)
	}
	return &f, nil
}

// FromCLI merges a TOML overlay (if any) with the parsed CLI/env struct —
// CLI/env values always win over the overlay's defaults — and validates the
// result into an immutable Config.
func FromCLI(cli *CLI, overlay *TOMLFile) (*Config, error) {
	if overlay == nil {
		overlay = &TOMLFile{}
	}

	cfg := &Config{
		Bucket:            firstNonEmpty(cli.Bucket, overlay.Bucket),
		Region:            firstNonEmpty(cli.Region, overlay.Region),
		S3Endpoint:        firstNonEmpty(cli.S3Endpoint, overlay.S3Endpoint),
		S3AccessKeyID:     firstNonEmpty(cli.S3AccessKeyID, overlay.S3AccessKeyID),
		S3SecretKey:       firstNonEmpty(cli.S3SecretKey, overlay.S3SecretKey),
		S3ForcePathStyle:  cli.S3ForcePathStyle || overlay.S3ForcePathStyle,
		Mode:              Mode(firstNonEmpty(cli.Mode, overlay.Mode)),
		VaultPath:         firstNonEmpty(cli.VaultPath, overlay.VaultPath),
		RetentionDays:     firstNonZeroInt(cli.RetentionDays, overlay.RetentionDays),
		ExcludePrefixes:   firstNonEmptySlice(cli.ExcludePrefixes, overlay.ExcludePrefixes),
		CDCBackend:        CDCBackend(firstNonEmpty(cli.CDCBackend, overlay.CDCBackend)),
		CDCConnectionURL:  firstNonEmpty(cli.DatabaseURL, overlay.CDCConnectionURL),
		ScheduleCron:      firstNonEmpty(cli.ScheduleCron, overlay.Schedule),
		AdminAPIKey:       firstNonEmpty(cli.AdminAPIKey, overlay.AdminAPIKey),
		WorkerConcurrency: firstNonZeroInt(cli.WorkerConcurrency, overlay.WorkerConcurrency),
	}
	if cfg.WorkerConcurrency == 0 {
		cfg.WorkerConcurrency = 8
	}

	cols, err := mergeWatchedColumns(cli.Table, overlay.Tables)
	if err != nil {
		return nil, err
	}
	cfg.WatchedColumns = cols

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeWatchedColumns(flagPairs []string, tomlTables map[string][]string) ([]WatchedColumn, error) {
	var cols []WatchedColumn
	for table, columns := range tomlTables {
		for _, col := range columns {
			cols = append(cols, WatchedColumn{Table: table, Column: col})
		}
	}
	for _, pair := range flagPairs {
		parts := strings.SplitN(pair, ".", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, s3gcerr.Newf(s3gcerr.ConfigurationError, nil, "invalid --table value %q, expected table.column", pair)
		}
		cols = append(cols, WatchedColumn{Table: parts[0], Column: parts[1]})
	}
	return cols, nil
}

// validate produces a ConfigurationError for every invalid combination of
// configuration options.
func (c *Config) validate() error {
	if c.Bucket == "" {
		return s3gcerr.New(s3gcerr.ConfigurationError, "bucket is required", nil)
	}
	if len(c.WatchedColumns) == 0 {
		return s3gcerr.New(s3gcerr.ConfigurationError, "at least one watched (table, column) pair is required", nil)
	}
	switch c.Mode {
	case ModeDryRun, ModeAuditOnly, ModeExecute:
	default:
		return s3gcerr.Newf(s3gcerr.ConfigurationError, nil, "invalid mode %q", c.Mode)
	}
	if c.Mode == ModeExecute && c.RetentionDays == 0 {
		return s3gcerr.New(s3gcerr.ConfigurationError, "retention_days = 0 is disallowed in execute mode", nil)
	}
	if c.RetentionDays < 0 {
		return s3gcerr.New(s3gcerr.ConfigurationError, "retention_days must be non-negative", nil)
	}
	switch c.CDCBackend {
	case CDCBackendNone, CDCBackendPostgres, CDCBackendMySQL:
	default:
		return s3gcerr.Newf(s3gcerr.ConfigurationError, nil, "invalid cdc_backend %q", c.CDCBackend)
	}
	if c.CDCBackend != CDCBackendNone && c.CDCConnectionURL == "" {
		return s3gcerr.New(s3gcerr.ConfigurationError, "cdc_backend is set but cdc_connection_url (DATABASE_URL) is empty", nil)
	}
	if c.VaultPath == "" {
		return s3gcerr.New(s3gcerr.ConfigurationError, "vault_path is required", nil)
	}
	if c.WorkerConcurrency <= 0 {
		return s3gcerr.New(s3gcerr.ConfigurationError, "worker_concurrency must be positive", nil)
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretKey == "") {
		return s3gcerr.New(s3gcerr.ConfigurationError, "s3_access_key_id and s3_secret_access_key must be set together", nil)
	}
	return nil
}

// Redacted returns a copy suitable for the /admin/s3gc/config endpoint,
// with secrets stripped.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.CDCConnectionURL != "" {
		cp.CDCConnectionURL = "REDACTED"
	}
	cp.AdminAPIKey = ""
	if cp.S3SecretKey != "" {
		cp.S3SecretKey = "REDACTED"
	}
	return &cp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptySlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

func firstNonZeroInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// ParseScheduleHHMM validates the "HH:MM" UTC schedule string, returning the
// hour and minute, or a ConfigurationError.
func ParseScheduleHHMM(schedule string) (hour, minute int, err error) {
	if schedule == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(schedule, ":", 2)
	if len(parts) != 2 {
		return 0, 0, s3gcerr.Newf(s3gcerr.ConfigurationError, nil, "invalid schedule %q, expected HH:MM", schedule)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, s3gcerr.Newf(s3gcerr.ConfigurationError, nil, "invalid schedule %q, expected HH:MM", schedule)
	}
	return hour, minute, nil
}
