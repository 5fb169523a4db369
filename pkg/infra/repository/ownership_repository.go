package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/renthub/apigate/pkg/domain"
	"github.com/renthub/apigate/pkg/domain/resource"
	"gorm.io/gorm"
)

type propertyRow struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	HostID uuid.UUID `gorm:"type:uuid"`
}

func (propertyRow) TableName() string { return "public.properties" }

type bookingRow struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuestID uuid.UUID `gorm:"type:uuid"`
}

func (bookingRow) TableName() string { return "public.bookings" }

type propertyOwnershipRepository struct {
	db *gorm.DB
}

func NewPropertyOwnershipRepository(db *gorm.DB) resource.OwnershipResolver {
	return &propertyOwnershipRepository{db: db}
}

func (r *propertyOwnershipRepository) ResourceType() string {
	return "properties"
}

func (r *propertyOwnershipRepository) Owner(ctx context.Context, resourceID string) (uuid.UUID, error) {
	var row propertyRow
	err := r.db.WithContext(ctx).Select("id", "host_id").Where("id = ?", resourceID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, domain.ErrOwnerUnknown
		}
		return uuid.Nil, err
	}
	return row.HostID, nil
}

type bookingOwnershipRepository struct {
	db *gorm.DB
}

func NewBookingOwnershipRepository(db *gorm.DB) resource.OwnershipResolver {
	return &bookingOwnershipRepository{db: db}
}

func (r *bookingOwnershipRepository) ResourceType() string {
	return "bookings"
}

func (r *bookingOwnershipRepository) Owner(ctx context.Context, resourceID string) (uuid.UUID, error) {
	var row bookingRow
	err := r.db.WithContext(ctx).Select("id", "guest_id").Where("id = ?", resourceID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, domain.ErrOwnerUnknown
		}
		return uuid.Nil, err
	}
	return row.GuestID, nil
}
