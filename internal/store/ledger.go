package store

import (
	"context"
	"time"

	"kokoro/backend/internal/domain"
)

// BookingLedger is the authoritative record of bookings. TryBook and Cancel are
// atomic with respect to each other across processes.
type BookingLedger interface {
	TryBook(ctx context.Context, key domain.SlotKey, userID string) (domain.Booking, error)
	Cancel(ctx context.Context, key domain.SlotKey, userID string) error

	ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error)
	ListForDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Booking, error)

	// DeleteExpired removes up to limit bookings whose retention ended at or before now
	// and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type LedgerOptions struct {
	Capacity  int
	Retention time.Duration
	Now       func() time.Time
}

func (o LedgerOptions) WithDefaults() LedgerOptions {
	if o.Capacity <= 0 {
		o.Capacity = domain.DefaultCapacity
	}
	if o.Retention <= 0 {
		o.Retention = domain.DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
