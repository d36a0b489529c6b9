package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
)

// AuditRepository handles retrieval audit database operations
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record stores one retrieve attempt
func (r *AuditRepository) Record(ctx context.Context, audit *models.RetrievalAudit) error {
	if err := r.db.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("failed to create retrieval audit: %w", err)
	}
	return nil
}

// GetByLockID retrieves the attempts made for one lock id, newest first
func (r *AuditRepository) GetByLockID(ctx context.Context, lockID string) ([]models.RetrievalAudit, error) {
	var audits []models.RetrievalAudit
	if err := r.db.WithContext(ctx).
		Where("lock_id = ?", lockID).
		Order("created_at DESC").
		Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get retrieval audits: %w", err)
	}
	return audits, nil
}

// GetRecent retrieves the latest attempts across all peers
func (r *AuditRepository) GetRecent(ctx context.Context, limit, offset int) ([]models.RetrievalAudit, error) {
	var audits []models.RetrievalAudit
	query := r.db.WithContext(ctx).Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get retrieval audits: %w", err)
	}
	return audits, nil
}
