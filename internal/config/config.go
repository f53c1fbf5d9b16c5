package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/kmzproc/internal/archive"
	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/merge"
	"github.com/withObsrvr/kmzproc/internal/sequence"
	"github.com/withObsrvr/kmzproc/internal/sqlgen"
)

type Config struct {
	Sequence   SequenceConfig   `yaml:"sequence"`
	Input      InputConfig      `yaml:"input"`
	Processing ProcessingConfig `yaml:"processing"`
	SQL        SQLConfig        `yaml:"sql"`
	Work       WorkConfig       `yaml:"work"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	HTTP       HTTPConfig       `yaml:"http"`
}

type SequenceConfig struct {
	Start  int64 `yaml:"start"`
	Resume bool  `yaml:"resume"` // continue from the checkpoint when present
}

type InputConfig struct {
	PayloadGlob     string `yaml:"payload_glob"`
	PayloadPolicy   string `yaml:"payload_policy"`
	WorkingStreetID string `yaml:"working_street_id"`
	MaxMemberSize   int64  `yaml:"max_member_size"`
}

type ProcessingConfig struct {
	ErrorPolicy        string `yaml:"error_policy"`
	MergeOrder         string `yaml:"merge_order"`
	ExtendedDataPolicy string `yaml:"extended_data_policy"`
	LastEditUser       string `yaml:"last_edit_user"`
}

type SQLConfig struct {
	Table         string `yaml:"table"`
	CompanyID     string `yaml:"company_id"`
	CreatedUserID string `yaml:"created_user_id"`
}

type WorkConfig struct {
	Dir  string `yaml:"dir"`
	Keep bool   `yaml:"keep"` // leave staged files behind after a batch
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	LocalDir   string `yaml:"local_dir"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type CheckpointConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	ProcessorID string `yaml:"processor_id"`
}

// AuditConfig controls the hash-chained batch audit log.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`      // local event files and chain heads
	Endpoint string `yaml:"endpoint"` // optional HTTP collector
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type HTTPConfig struct {
	Address        string `yaml:"address"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Sequence: SequenceConfig{
			Start: int64(sequence.DefaultStart),
		},
		Input: InputConfig{
			PayloadGlob:   archive.DefaultPattern,
			PayloadPolicy: string(archive.SelectFirst),
			MaxMemberSize: 256 << 20,
		},
		Processing: ProcessingConfig{
			ErrorPolicy:        string(kml.PolicyAbort),
			MergeOrder:         string(merge.OrderName),
			ExtendedDataPolicy: string(merge.ExtendedDataReplace),
			LastEditUser:       merge.DefaultLastEditUser,
		},
		SQL: SQLConfig{
			Table:         sqlgen.DefaultTable,
			CompanyID:     sqlgen.DefaultCompanyID,
			CreatedUserID: sqlgen.DefaultCreatedUserID,
		},
		Work: WorkConfig{
			Dir: "./work",
		},
		Storage: StorageConfig{
			Backend:  "local",
			Prefix:   "kmzproc/",
			LocalDir: "./data",
		},
		Checkpoint: CheckpointConfig{
			Dir:         "./checkpoints",
			ProcessorID: "kmzproc",
		},
		Audit: AuditConfig{
			Dir: "./audit",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		HTTP: HTTPConfig{
			Address:        ":8080",
			MaxUploadBytes: 64 << 20,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, then environment variables (a .env file is read first).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main packages: it exits on error.
func MustLoad() Config {
	slog.Debug("loading configuration", "component", "config")

	cfg, err := Load()
	if err != nil {
		slog.Error("invalid configuration", "component", "config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if v := os.Getenv("COUNTER_START"); v != "" {
		start, perr := sequence.Parse(v)
		if perr != nil {
			return fmt.Errorf("COUNTER_START: %w", perr)
		}
		c.Sequence.Start = start.Int64()
	}
	if c.Sequence.Resume, err = getenvBool("COUNTER_RESUME", c.Sequence.Resume); err != nil {
		return err
	}

	c.Input.PayloadGlob = getenvDefault("PAYLOAD_GLOB", c.Input.PayloadGlob)
	c.Input.PayloadPolicy = getenvDefault("PAYLOAD_POLICY", c.Input.PayloadPolicy)
	c.Input.WorkingStreetID = getenvDefault("WORKING_STREET_ID", c.Input.WorkingStreetID)
	if c.Input.MaxMemberSize, err = getenvInt64("MAX_MEMBER_SIZE", c.Input.MaxMemberSize); err != nil {
		return err
	}

	c.Processing.ErrorPolicy = getenvDefault("ERROR_POLICY", c.Processing.ErrorPolicy)
	c.Processing.MergeOrder = getenvDefault("MERGE_ORDER", c.Processing.MergeOrder)
	c.Processing.ExtendedDataPolicy = getenvDefault("EXTENDED_DATA_POLICY", c.Processing.ExtendedDataPolicy)
	c.Processing.LastEditUser = getenvDefault("LAST_EDIT_USER", c.Processing.LastEditUser)

	c.SQL.Table = getenvDefault("SQL_TABLE", c.SQL.Table)
	c.SQL.CompanyID = getenvDefault("SQL_COMPANY_ID", c.SQL.CompanyID)
	c.SQL.CreatedUserID = getenvDefault("SQL_CREATED_USER_ID", c.SQL.CreatedUserID)

	c.Work.Dir = getenvDefault("WORK_DIR", c.Work.Dir)
	if c.Work.Keep, err = getenvBool("WORK_KEEP", c.Work.Keep); err != nil {
		return err
	}

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getenvDefault("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.LocalDir = getenvDefault("LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("S3_REGION", c.Storage.S3Region)

	if c.Checkpoint.Enabled, err = getenvBool("CHECKPOINT_ENABLED", c.Checkpoint.Enabled); err != nil {
		return err
	}
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Checkpoint.ProcessorID = getenvDefault("PROCESSOR_ID", c.Checkpoint.ProcessorID)

	if c.Audit.Enabled, err = getenvBool("AUDIT_ENABLED", c.Audit.Enabled); err != nil {
		return err
	}
	c.Audit.Dir = getenvDefault("AUDIT_DIR", c.Audit.Dir)
	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)

	c.Log.Format = getenvDefault("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)

	if c.Metrics.Enabled, err = getenvBool("METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return err
	}
	c.Metrics.Address = getenvDefault("METRICS_ADDRESS", c.Metrics.Address)

	c.HTTP.Address = getenvDefault("HTTP_ADDRESS", c.HTTP.Address)
	if c.HTTP.MaxUploadBytes, err = getenvInt64("HTTP_MAX_UPLOAD_BYTES", c.HTTP.MaxUploadBytes); err != nil {
		return err
	}

	return nil
}

// Validate checks enumerated options and required fields.
func (c Config) Validate() error {
	var errs []error

	if c.Sequence.Start < 0 {
		errs = append(errs, fmt.Errorf("sequence start must not be negative, got %d", c.Sequence.Start))
	}
	if _, err := archive.ParseSelectionPolicy(c.Input.PayloadPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := kml.ParseErrorPolicy(c.Processing.ErrorPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := merge.ParseOrder(c.Processing.MergeOrder); err != nil {
		errs = append(errs, err)
	}
	if _, err := merge.ParseExtendedDataPolicy(c.Processing.ExtendedDataPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Work.Dir == "" {
		errs = append(errs, errors.New("work dir is required"))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("LOCAL_DIR is required for the local backend"))
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("STORAGE_BUCKET is required for the %s backend", c.Storage.Backend))
		}
	case "mem", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("CHECKPOINT_DIR is required when checkpoints are enabled"))
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		errs = append(errs, errors.New("AUDIT_DIR is required when the audit log is enabled"))
	}
	if c.Sequence.Resume && !c.Checkpoint.Enabled {
		errs = append(errs, errors.New("COUNTER_RESUME needs CHECKPOINT_ENABLED"))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return strings.TrimSpace(val)
	}
	return def
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
