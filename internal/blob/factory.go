package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Config selects and parameterises a blob driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
	MinIO  MinIOConfig
}

// ConfigFromEnv reads the blob selection from the environment.
//
//	PERICIA_BLOB_DRIVER: fs|s3|minio|memory (default fs)
//	PERICIA_BLOB_FS_ROOT: directory root when driver=fs
//	PERICIA_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE
//	PERICIA_BLOB_MINIO_ENDPOINT, _ACCESS_KEY, _SECRET_KEY, _BUCKET, _USE_SSL
//
// AWS credentials come from the default AWS environment chain.
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("PERICIA_BLOB_DRIVER")),
		FSRoot: os.Getenv("PERICIA_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("PERICIA_BLOB_S3_BUCKET"),
			Region:    os.Getenv("PERICIA_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("PERICIA_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("PERICIA_BLOB_S3_PATH_STYLE"), "true"),
		},
		MinIO: MinIOConfig{
			Endpoint:  os.Getenv("PERICIA_BLOB_MINIO_ENDPOINT"),
			AccessKey: os.Getenv("PERICIA_BLOB_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("PERICIA_BLOB_MINIO_SECRET_KEY"),
			Bucket:    os.Getenv("PERICIA_BLOB_MINIO_BUCKET"),
			UseSSL:    strings.EqualFold(os.Getenv("PERICIA_BLOB_MINIO_USE_SSL"), "true"),
		},
	}
}

// Open constructs the Store selected by cfg. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMinIO:
		return NewMinIO(ctx, cfg.MinIO)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
