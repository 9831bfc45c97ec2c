// Package config loads the pericia process configuration from an optional
// YAML file and PERICIA_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pericia/internal/blob"
	"pericia/internal/core"
	"pericia/internal/drafts"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	Drafts  DraftsConfig  `yaml:"drafts"`
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	LevelDBPath string `yaml:"leveldb_path"`
}

type BlobConfig struct {
	Driver string      `yaml:"driver"`
	FSRoot string      `yaml:"fs_root"`
	S3     S3Config    `yaml:"s3"`
	MinIO  MinIOConfig `yaml:"minio"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type DraftsConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type SyncConfig struct {
	InboxDir       string        `yaml:"inbox_dir"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	BackupKeep     int           `yaml:"backup_keep"`
	BackupPassword string        `yaml:"backup_password"`
	RemoteURL      string        `yaml:"remote_url"`
	RemoteToken    string        `yaml:"remote_token"`
	MirrorInterval time.Duration `yaml:"mirror_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path, applies environment overrides and fills defaults. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = string(core.StorageSQLite)
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = string(blob.DriverFilesystem)
	}
	if cfg.Drafts.Debounce == 0 {
		cfg.Drafts.Debounce = drafts.DefaultDelay
	}
	if cfg.Sync.BackupKeep == 0 {
		cfg.Sync.BackupKeep = 10
	}
	if cfg.Sync.MirrorInterval == 0 {
		cfg.Sync.MirrorInterval = time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8480"
	}
	return &cfg, nil
}

// applyEnv overrides file values with any PERICIA_* variable that is set.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"PERICIA_STORAGE_DRIVER":        &c.Storage.Driver,
		"PERICIA_SQLITE_PATH":           &c.Storage.SQLitePath,
		"PERICIA_POSTGRES_DSN":          &c.Storage.PostgresDSN,
		"PERICIA_LEVELDB_PATH":          &c.Storage.LevelDBPath,
		"PERICIA_BLOB_DRIVER":           &c.Blob.Driver,
		"PERICIA_BLOB_FS_ROOT":          &c.Blob.FSRoot,
		"PERICIA_BLOB_S3_BUCKET":        &c.Blob.S3.Bucket,
		"PERICIA_BLOB_S3_REGION":        &c.Blob.S3.Region,
		"PERICIA_BLOB_S3_ENDPOINT":      &c.Blob.S3.Endpoint,
		"PERICIA_BLOB_MINIO_ENDPOINT":   &c.Blob.MinIO.Endpoint,
		"PERICIA_BLOB_MINIO_ACCESS_KEY": &c.Blob.MinIO.AccessKey,
		"PERICIA_BLOB_MINIO_SECRET_KEY": &c.Blob.MinIO.SecretKey,
		"PERICIA_BLOB_MINIO_BUCKET":     &c.Blob.MinIO.Bucket,
		"PERICIA_SYNC_INBOX_DIR":        &c.Sync.InboxDir,
		"PERICIA_BACKUP_PASSWORD":       &c.Sync.BackupPassword,
		"PERICIA_REMOTE_URL":            &c.Sync.RemoteURL,
		"PERICIA_REMOTE_TOKEN":          &c.Sync.RemoteToken,
		"PERICIA_LOG_LEVEL":             &c.Log.Level,
		"PERICIA_LOG_FORMAT":            &c.Log.Format,
		"PERICIA_HTTP_ADDR":             &c.HTTP.Addr,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	bools := map[string]*bool{
		"PERICIA_BLOB_S3_PATH_STYLE": &c.Blob.S3.PathStyle,
		"PERICIA_BLOB_MINIO_USE_SSL": &c.Blob.MinIO.UseSSL,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}
	durations := map[string]*time.Duration{
		"PERICIA_DRAFTS_DEBOUNCE": &c.Drafts.Debounce,
		"PERICIA_BACKUP_INTERVAL": &c.Sync.BackupInterval,
		"PERICIA_MIRROR_INTERVAL": &c.Sync.MirrorInterval,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}
	if v, ok := os.LookupEnv("PERICIA_BACKUP_KEEP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PERICIA_BACKUP_KEEP: %w", err)
		}
		c.Sync.BackupKeep = n
	}
	return nil
}

// Backend converts the storage section for core.OpenBackend.
func (c *Config) Backend() core.BackendConfig {
	return core.BackendConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		LevelDBPath: c.Storage.LevelDBPath,
	}
}

// BlobStore converts the blob section for blob.Open.
func (c *Config) BlobStore() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
		MinIO: blob.MinIOConfig{
			Endpoint:  c.Blob.MinIO.Endpoint,
			AccessKey: c.Blob.MinIO.AccessKey,
			SecretKey: c.Blob.MinIO.SecretKey,
			Bucket:    c.Blob.MinIO.Bucket,
			UseSSL:    c.Blob.MinIO.UseSSL,
		},
	}
}
