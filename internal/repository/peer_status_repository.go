package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
)

// PeerStatusRepository stores the latest echo result per peer
type PeerStatusRepository struct {
	db *gorm.DB
}

// NewPeerStatusRepository creates a new peer status repository
func NewPeerStatusRepository(db *gorm.DB) *PeerStatusRepository {
	return &PeerStatusRepository{db: db}
}

// Upsert inserts or replaces the status row of the peer's AE title
func (r *PeerStatusRepository) Upsert(ctx context.Context, status *models.PeerStatus) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ae_title"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"host",
			"port",
			"last_connection_test",
			"last_connection_status",
			"last_response_time",
			"last_error",
			"updated_at",
		}),
	}).Create(status).Error
	if err != nil {
		return fmt.Errorf("failed to save peer status: %w", err)
	}
	return nil
}

// List returns every stored status ordered by AE title
func (r *PeerStatusRepository) List(ctx context.Context) ([]models.PeerStatus, error) {
	var statuses []models.PeerStatus
	if err := r.db.WithContext(ctx).Order("ae_title ASC").Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("failed to get peer statuses: %w", err)
	}
	return statuses, nil
}
