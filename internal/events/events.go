package events

import (
	"context"
	"time"

	"kokoro/backend/internal/domain"
)

const (
	DefaultExchange = "kokoro.bookings"

	KindBookingCreated   = "booking.created"
	KindBookingCancelled = "booking.cancelled"
)

// BookingEvent is published after a booking is made or cancelled. Kind doubles as
// the routing key.
type BookingEvent struct {
	Kind       string    `json:"kind"`
	BookingID  string    `json:"booking_id,omitempty"`
	DoctorID   string    `json:"doctor_id"`
	Date       string    `json:"date"`
	Start      string    `json:"start"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func BookingCreated(b domain.Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Kind:       KindBookingCreated,
		BookingID:  b.ID.String(),
		DoctorID:   b.DoctorID,
		Date:       domain.FormatDate(b.SlotDate),
		Start:      b.Start.String(),
		UserID:     b.UserID,
		OccurredAt: at.UTC(),
	}
}

func BookingCancelled(key domain.SlotKey, userID string, at time.Time) BookingEvent {
	return BookingEvent{
		Kind:       KindBookingCancelled,
		DoctorID:   key.DoctorID,
		Date:       domain.FormatDate(key.Date),
		Start:      key.Start.String(),
		UserID:     userID,
		OccurredAt: at.UTC(),
	}
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) PublishBooking(ctx context.Context, ev BookingEvent) error { return nil }

func (Nop) Close() error { return nil }
