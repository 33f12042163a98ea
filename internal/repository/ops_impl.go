package repository

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
)

type opsRepository struct {
	db *gorm.DB
}

// NewOpsRepository creates an OpsRepository backed by GORM.
func NewOpsRepository(db *gorm.DB) OpsRepository {
	return &opsRepository{db: db}
}

func (r *opsRepository) AppendAudit(ctx context.Context, record *entities.AuditRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (r *opsRepository) ListAudit(ctx context.Context, tenantID string, page Page) ([]entities.AuditRecord, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var records []entities.AuditRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list audit records: %w", err)
	}
	var next string
	if len(records) == page.limit() {
		next = EncodeCursor(strconv.FormatUint(uint64(records[len(records)-1].ID), 10))
	}
	return records, next, nil
}

func (r *opsRepository) AppendDeadLetter(ctx context.Context, letter *entities.DeadLetter) error {
	if err := r.db.WithContext(ctx).Create(letter).Error; err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

func (r *opsRepository) ListDeadLetters(ctx context.Context, tenantID string, page Page) ([]entities.DeadLetter, string, error) {
	after, err := page.afterID()
	if err != nil {
		return nil, "", err
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).Order("id ASC").Limit(page.limit())
	if after != "" {
		query = query.Where("id > ?", after)
	}
	var letters []entities.DeadLetter
	if err := query.Find(&letters).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list dead letters: %w", err)
	}
	var next string
	if len(letters) == page.limit() {
		next = EncodeCursor(strconv.FormatUint(uint64(letters[len(letters)-1].ID), 10))
	}
	return letters, next, nil
}

func (r *opsRepository) SaveEngineCheckpoint(ctx context.Context, name, state string) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current entities.EngineCheckpoint
		err := tx.First(&current, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			version = 1
		case err != nil:
			return fmt.Errorf("failed to load checkpoint %s: %w", name, err)
		default:
			version = current.Version + 1
		}
		checkpoint := entities.EngineCheckpoint{Name: name, Version: version, State: state}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).Create(&checkpoint).Error; err != nil {
			return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *opsRepository) LoadEngineCheckpoint(ctx context.Context, name string) (*entities.EngineCheckpoint, error) {
	var checkpoint entities.EngineCheckpoint
	err := r.db.WithContext(ctx).First(&checkpoint, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	return &checkpoint, nil
}
