package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidWeekday = errors.New("invalid weekday")

// Weekday uses ISO numbering: Monday is 1, Sunday is 7.
type Weekday int16

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func (w Weekday) Valid() bool {
	return w >= Monday && w <= Sunday
}

func (w Weekday) String() string {
	if !w.Valid() {
		return "Weekday(" + strconv.Itoa(int(w)) + ")"
	}
	return weekdayNames[w]
}

// ParseWeekday accepts full or three-letter English names (any case) and ISO numbers.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		w := Weekday(n)
		if !w.Valid() {
			return 0, ErrInvalidWeekday
		}
		return w, nil
	}
	for i := Monday; i <= Sunday; i++ {
		name := weekdayNames[i]
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return i, nil
		}
	}
	return 0, ErrInvalidWeekday
}

// WeekdayOf returns the weekday of the calendar date t falls on, in t's location.
func WeekdayOf(t time.Time) Weekday {
	wd := t.Weekday()
	if wd == time.Sunday {
		return Sunday
	}
	return Weekday(wd)
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, errors.New("invalid date")
	}
	return d, nil
}

// DateOf returns the calendar date of t as observed in loc, as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}
