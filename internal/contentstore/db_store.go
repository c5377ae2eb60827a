package contentstore

import (
	"context"
	"errors"

	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps blobs in the relational database next to their metadata.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

var _ Store = (*DBStore)(nil)

func (s *DBStore) Put(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	b := models.Blob{Key: key, Hash: utils.ContentHash(data), Size: int64(len(data)), Data: data}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&b)
	if res.Error != nil {
		return unavailable(res.Error, "put")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var existing models.Blob
	if err := s.db.WithContext(ctx).Select("hash").First(&existing, "key = ?", key).Error; err != nil {
		return unavailable(err, "put")
	}
	if existing.Hash != b.Hash {
		return appErr.New(appErr.CodeConflict, "key already holds different content").WithMeta("key", key)
	}
	return nil
}

func (s *DBStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, appErr.New(appErr.CodeInvalid, "refusing to delete with an empty prefix")
	}
	res := s.db.WithContext(ctx).
		Where(clause.Like{Column: clause.Column{Name: "key"}, Value: prefix + "%"}).
		Delete(&models.Blob{})
	if res.Error != nil {
		return 0, unavailable(res.Error, "delete")
	}
	return int(res.RowsAffected), nil
}

func (s *DBStore) Get(ctx context.Context, key string) ([]byte, error) {
	var b models.Blob
	if err := s.db.WithContext(ctx).First(&b, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(key)
		}
		return nil, unavailable(err, "get")
	}
	return b.Data, nil
}
