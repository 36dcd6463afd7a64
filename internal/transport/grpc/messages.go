package grpc

import (
	"time"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/service/scheduling"
)

// Times of day travel as "HH:MM", weekdays as names or ISO numbers and dates as
// "YYYY-MM-DD".

type Window struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Disabled bool   `json:"disabled,omitempty"`
}

type SetAvailabilityRequest struct {
	DoctorID string   `json:"doctor_id"`
	Weekday  string   `json:"weekday"`
	Windows  []Window `json:"windows"`
}

type SetAvailabilityResponse struct{}

type SetWindowEnabledRequest struct {
	DoctorID string `json:"doctor_id"`
	Weekday  string `json:"weekday"`
	Window   Window `json:"window"`
	Enabled  bool   `json:"enabled"`
}

type SetWindowEnabledResponse struct{}

type ListAvailableRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
}

type AvailableSlot struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Booked    int    `json:"booked"`
	Remaining int    `json:"remaining"`
}

type ListAvailableResponse struct {
	DoctorID string          `json:"doctor_id"`
	Date     string          `json:"date"`
	Slots    []AvailableSlot `json:"slots"`
}

type BookRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
	Start    string `json:"start"`
	UserID   string `json:"user_id"`
}

type Booking struct {
	ID        string    `json:"id"`
	DoctorID  string    `json:"doctor_id"`
	Date      string    `json:"date"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BookResponse struct {
	Booking Booking `json:"booking"`
}

type CancelRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
	Start    string `json:"start"`
	UserID   string `json:"user_id"`
}

type CancelResponse struct{}

type ListUserBookingsRequest struct {
	UserID string `json:"user_id"`
}

type ListDoctorBookingsRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
}

type HistoryRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Days int    `json:"days"`
}

type BookingsResponse struct {
	Bookings []Booking `json:"bookings"`
}

func toWireBooking(b domain.Booking, slotLength time.Duration) Booking {
	return Booking{
		ID:        b.ID.String(),
		DoctorID:  b.DoctorID,
		Date:      domain.FormatDate(b.SlotDate),
		Start:     b.Start.String(),
		End:       b.Start.Add(slotLength).String(),
		UserID:    b.UserID,
		CreatedAt: b.CreatedAt.UTC(),
		ExpiresAt: b.ExpiresAt.UTC(),
	}
}

func toWireBookings(rows []domain.Booking, slotLength time.Duration) []Booking {
	out := make([]Booking, 0, len(rows))
	for _, b := range rows {
		out = append(out, toWireBooking(b, slotLength))
	}
	return out
}

func toWireSlots(slots []scheduling.AvailableSlot) []AvailableSlot {
	out := make([]AvailableSlot, 0, len(slots))
	for _, s := range slots {
		out = append(out, AvailableSlot{
			Start:     s.Slot.Start.String(),
			End:       s.Slot.End.String(),
			Booked:    s.Booked,
			Remaining: s.Remaining,
		})
	}
	return out
}

func fromWireWindow(w Window) (domain.Window, error) {
	start, err := domain.ParseTimeOfDay(w.Start)
	if err != nil {
		return domain.Window{}, err
	}
	end, err := domain.ParseTimeOfDay(w.End)
	if err != nil {
		return domain.Window{}, err
	}
	return domain.Window{Start: start, End: end, Disabled: w.Disabled}, nil
}
