package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Booking is one user occupying one seat of one slot. Bookings are created and
// removed, never updated.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	DoctorID  string    `bun:"doctor_id,notnull" json:"doctor_id"`
	SlotDate  time.Time `bun:"slot_date,notnull,type:date" json:"date"`
	Start     TimeOfDay `bun:"start_minute,notnull" json:"start"`
	UserID    string    `bun:"user_id,notnull" json:"user_id"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (b Booking) Key() SlotKey {
	return SlotKey{DoctorID: b.DoctorID, Date: b.SlotDate, Start: b.Start}
}

// Live reports whether the booking is still within its retention window at now.
func (b Booking) Live(now time.Time) bool {
	return b.ExpiresAt.After(now)
}

// SlotOccupancy is the per-slot seat counter guarded by the booking ledger.
type SlotOccupancy struct {
	bun.BaseModel `bun:"table:slot_occupancy"`

	DoctorID string    `bun:"doctor_id,pk"`
	SlotDate time.Time `bun:"slot_date,pk,type:date"`
	Start    TimeOfDay `bun:"start_minute,pk"`
	Booked   int       `bun:"booked,notnull"`
}
