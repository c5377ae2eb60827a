package contentstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Open builds the store named by kind ("db" or "s3") and wraps it in
// transient-error retries.
func Open(ctx context.Context, kind string, db *gorm.DB, s3cfg S3Config) (Store, error) {
	var s Store
	switch kind {
	case "", "db":
		s = NewDBStore(db)
	case "s3":
		s3s, err := NewS3Store(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		s = s3s
	default:
		return nil, fmt.Errorf("unknown content store %q", kind)
	}
	return WithRetry(s, 30*time.Second), nil
}
