package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PeerStatus records the outcome of the latest C-ECHO against a peer
type PeerStatus struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	AETitle string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"ae_title"`
	Host    string    `gorm:"type:varchar(255);not null" json:"host"`
	Port    int       `gorm:"not null" json:"port"`

	// Connection status tracking
	LastConnectionTest   time.Time `gorm:"index" json:"last_connection_test,omitempty"`
	LastConnectionStatus bool      `json:"last_connection_status,omitempty"`
	LastResponseTime     int64     `json:"last_response_time_ms"`
	LastError            string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (PeerStatus) TableName() string {
	return "peer_statuses"
}

// BeforeCreate hook
func (p *PeerStatus) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ConnectionStatus represents the status of a peer connection
type ConnectionStatus struct {
	Peer         string    `json:"peer"`
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}
