package domain

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
)

const (
	DefaultSlotLength  = 30 * time.Minute
	DefaultCapacity    = 5
	DefaultHorizonDays = 15
	DefaultRetention   = 7 * 24 * time.Hour
)

var (
	ErrInvalidWindow     = errors.New("invalid window")
	ErrInvalidSlotLength = errors.New("invalid slot length")
)

// Window is a recurring time-of-day range on one weekday. Disabled windows are kept
// in the template but produce no slots.
type Window struct {
	Start    TimeOfDay `json:"start"`
	End      TimeOfDay `json:"end"`
	Disabled bool      `json:"disabled,omitempty"`
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Template is a doctor's availability for a single weekday.
type Template struct {
	DoctorID string
	Weekday  Weekday
	Windows  []Window
}

// SlotKey identifies a concrete slot. Date is midnight UTC of the calendar date.
type SlotKey struct {
	DoctorID string
	Date     time.Time
	Start    TimeOfDay
}

func (k SlotKey) String() string {
	return k.DoctorID + "#" + FormatDate(k.Date) + "#" + k.Start.String()
}

type Slot struct {
	DoctorID string
	Date     time.Time
	Start    TimeOfDay
	End      TimeOfDay
}

func (s Slot) Key() SlotKey {
	return SlotKey{DoctorID: s.DoctorID, Date: s.Date, Start: s.Start}
}

// CompareSlots orders by date, then start time, then doctor id.
func CompareSlots(a, b Slot) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return strings.Compare(a.DoctorID, b.DoctorID)
}

func slotMinutes(length time.Duration) (int, error) {
	if length < time.Minute || length%time.Minute != 0 || length > 24*time.Hour {
		return 0, ErrInvalidSlotLength
	}
	return int(length / time.Minute), nil
}

// ValidateWindows checks that each window is slot-aligned with end after start, and
// that no two windows overlap. The input order does not matter.
func ValidateWindows(windows []Window, length time.Duration) error {
	step, err := slotMinutes(length)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if !w.Start.Valid() || !w.End.Valid() {
			return fmt.Errorf("%w: %s out of range", ErrInvalidWindow, w)
		}
		if w.End <= w.Start {
			return fmt.Errorf("%w: %s ends before it starts", ErrInvalidWindow, w)
		}
		if int(w.Start)%step != 0 || int(w.End)%step != 0 {
			return fmt.Errorf("%w: %s not aligned to %s", ErrInvalidWindow, w, length)
		}
	}

	sorted := SortWindows(windows)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidWindow, sorted[i], sorted[i-1])
		}
	}
	return nil
}

// SortWindows returns a copy of windows ordered by start time.
func SortWindows(windows []Window) []Window {
	out := slices.Clone(windows)
	slices.SortFunc(out, func(a, b Window) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Enumerate projects tmpl onto date. The returned sequence yields fixed-length slots
// in ascending start order and can be ranged over any number of times. A date whose
// weekday differs from the template's yields nothing.
func Enumerate(tmpl Template, date time.Time, length time.Duration) (iter.Seq[Slot], error) {
	if err := ValidateWindows(tmpl.Windows, length); err != nil {
		return nil, err
	}
	windows := SortWindows(tmpl.Windows)
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	match := WeekdayOf(day) == tmpl.Weekday

	return func(yield func(Slot) bool) {
		if !match {
			return
		}
		for _, w := range windows {
			if w.Disabled {
				continue
			}
			for start := w.Start; start.Add(length) <= w.End; start = start.Add(length) {
				s := Slot{
					DoctorID: tmpl.DoctorID,
					Date:     day,
					Start:    start,
					End:      start.Add(length),
				}
				if !yield(s) {
					return
				}
			}
		}
	}, nil
}

// RetentionDeadline is the instant after which a booking on date becomes eligible
// for removal.
func RetentionDeadline(date time.Time, retention time.Duration) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).Add(retention)
}
