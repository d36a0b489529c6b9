package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Retrieval outcomes stored in RetrievalAudit.Status
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
	AuditStatusSkipped = "skipped"
)

// RetrievalAudit is one retrieve attempt against one peer
type RetrievalAudit struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	LockID       string    `gorm:"type:varchar(128);not null;index" json:"lock_id"`
	Level        string    `gorm:"type:varchar(10);not null" json:"level"`
	StudyUID     string    `gorm:"type:varchar(128);index" json:"study_uid"`
	SeriesUID    string    `gorm:"type:varchar(128)" json:"series_uid,omitempty"`
	InstanceUID  string    `gorm:"type:varchar(128)" json:"instance_uid,omitempty"`
	PeerAETitle  string    `gorm:"type:varchar(64);index" json:"peer"`
	Mode         string    `gorm:"type:varchar(10)" json:"mode"`
	Status       string    `gorm:"type:varchar(20);index" json:"status"` // success, failure, skipped
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Files        int       `json:"files"`
	Duration     int64     `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (RetrievalAudit) TableName() string {
	return "retrieval_audits"
}

// BeforeCreate hook
func (a *RetrievalAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
