package blob

import (
	"context"

	infraMinio "pericia/internal/infra/blob/minio"
)

// MinIOConfig re-exports the MinIO driver configuration.
type MinIOConfig = infraMinio.Config

// NewMinIO connects to a MinIO deployment, creating the bucket when missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (Store, error) {
	return infraMinio.New(ctx, cfg)
}
