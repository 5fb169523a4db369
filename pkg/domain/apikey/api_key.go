package apikey

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a provisioned caller credential. Keys are stored hashed; the gate
// only reads them, apart from last-used bookkeeping.
type APIKey struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	KeyHash    string     `json:"key_hash" gorm:"uniqueIndex"`
	Name       string     `json:"name"`
	OwnerID    uuid.UUID  `json:"owner_id" gorm:"type:uuid;index"`
	Active     bool       `json:"active"`
	Roles      []string   `json:"roles" gorm:"serializer:json"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (a APIKey) TableName() string {
	return "public.api_keys"
}

func (a APIKey) IsValid() bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil {
		if time.Now().After(*a.ExpiresAt) {
			return false
		}
	}
	return true
}
