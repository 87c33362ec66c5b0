// internal/oplog/gorm.go
package oplog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/javajoker/traceledger/internal/models"
)

// GormStore keeps entries in the operation_entries table. Updates are
// conditional on the version column.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, entry models.OperationEntry) error {
	entry.Version = 1
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if isDuplicate(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create operation entry: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, key string) (models.OperationEntry, error) {
	var entry models.OperationEntry
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.OperationEntry{}, ErrNotFound
	}
	if err != nil {
		return models.OperationEntry{}, fmt.Errorf("failed to get operation entry: %w", err)
	}
	return entry, nil
}

func (s *GormStore) Update(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	expected := entry.Version
	next := entry
	next.Version = expected + 1
	next.UpdatedAt = time.Now()

	res := s.db.WithContext(ctx).Model(&models.OperationEntry{}).
		Where("idempotency_key = ? AND version = ?", entry.Key, expected).
		Select("*").
		Omit("idempotency_key", "created_at").
		Updates(&next)
	if res.Error != nil {
		return models.OperationEntry{}, fmt.Errorf("failed to update operation entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, entry.Key); err != nil {
			return models.OperationEntry{}, err
		}
		return models.OperationEntry{}, ErrVersionConflict
	}
	return s.Get(ctx, entry.Key)
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Delete(&models.OperationEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete operation entry: %w", err)
	}
	return nil
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.OperationEntry, error) {
	query := s.db.WithContext(ctx).
		Where("stage IN ?", models.InFlightStages).
		Where("lease_until <= ? AND next_retry_at <= ?", now, now).
		Order("created_at ASC")
	return s.find(query, limit)
}

func (s *GormStore) ListByStage(ctx context.Context, stage models.OperationStage, limit int) ([]models.OperationEntry, error) {
	query := s.db.WithContext(ctx).Where("stage = ?", stage).Order("created_at ASC")
	return s.find(query, limit)
}

func (s *GormStore) ListByQRCode(ctx context.Context, qrCode string) ([]models.OperationEntry, error) {
	query := s.db.WithContext(ctx).Where("qr_code = ?", qrCode).Order("created_at ASC")
	return s.find(query, 0)
}

func (s *GormStore) find(query *gorm.DB, limit int) ([]models.OperationEntry, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []models.OperationEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list operation entries: %w", err)
	}
	return entries, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
