package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// AvailabilityWindow is the persisted row form of one Window of a Template.
type AvailabilityWindow struct {
	bun.BaseModel `bun:"table:availability_windows"`

	DoctorID  string    `bun:"doctor_id,pk"`
	Weekday   Weekday   `bun:"weekday,pk"`
	Start     TimeOfDay `bun:"start_minute,pk"`
	End       TimeOfDay `bun:"end_minute,notnull"`
	Disabled  bool      `bun:"disabled,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (a *AvailabilityWindow) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a AvailabilityWindow) Window() Window {
	return Window{Start: a.Start, End: a.End, Disabled: a.Disabled}
}

func NewAvailabilityWindow(doctorID string, weekday Weekday, w Window) AvailabilityWindow {
	return AvailabilityWindow{
		DoctorID: doctorID,
		Weekday:  weekday,
		Start:    w.Start,
		End:      w.End,
		Disabled: w.Disabled,
	}
}
