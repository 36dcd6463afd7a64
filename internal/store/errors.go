package store

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrSlotFull         = errors.New("slot full")
	ErrDuplicateBooking = errors.New("duplicate booking")
	ErrUnavailable      = errors.New("store unavailable")
)

// UnavailableError wraps a backend failure. It matches both ErrUnavailable and the
// underlying cause under errors.Is.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return "store unavailable: " + e.Op + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Classify passes ledger and lookup outcomes through untouched and marks anything
// else as a retryable backend failure.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrSlotFull),
		errors.Is(err, ErrDuplicateBooking),
		errors.Is(err, ErrUnavailable):
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}
