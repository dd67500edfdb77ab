// Package archive writes the full document of each stopped session to a
// local directory or an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/config"
)

// Store abstracts archive storage backends.
type Store interface {
	// Save stores data under key, replacing any existing object.
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Type returns "local" or "s3".
	Type() string
}

// NewStore picks S3 when a bucket is configured, else the local directory.
// Returns nil, nil when neither is set: archiving is disabled.
// Returns an error if S3 is configured but unreachable.
func NewStore(cfg config.S3Config, dir string, log zerolog.Logger) (Store, error) {
	if cfg.Bucket == "" {
		if dir == "" {
			return nil, nil
		}
		return NewLocalStore(dir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
