package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/shardfs/internal/config"
	"github.com/fruitsalade/shardfs/internal/storage/local"
	s3backend "github.com/fruitsalade/shardfs/internal/storage/s3"
)

// NewBackendFromConfig creates the Backend named by cfg.StoreBackend.
func NewBackendFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StoreBackend {
	case "", "local":
		return local.New(local.Config{RootPath: cfg.LocalRoot, CreateDirs: true})
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StoreBackend)
	}
}
