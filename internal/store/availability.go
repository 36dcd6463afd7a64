package store

import (
	"context"

	"kokoro/backend/internal/domain"
)

type AvailabilityRepository interface {
	// ReplaceWeekday atomically discards all windows for (doctor, weekday) and stores
	// windows in their place. An empty slice clears the weekday.
	ReplaceWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error
	// GetWeekday returns the template with windows sorted by start. A missing template
	// is returned empty, not as ErrNotFound.
	GetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error)
	// SetWindowDisabled toggles one existing window; ErrNotFound if it does not exist.
	SetWindowDisabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error
}
