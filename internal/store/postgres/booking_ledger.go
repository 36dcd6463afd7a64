package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

const defaultSweepBatch = 500

// claimSeatSQL is the atomic increment-with-ceiling: it returns no row once the
// slot has reached capacity.
const claimSeatSQL = `
INSERT INTO slot_occupancy (doctor_id, slot_date, start_minute, booked)
VALUES (?, CAST(? AS date), ?, 1)
ON CONFLICT (doctor_id, slot_date, start_minute)
DO UPDATE SET booked = slot_occupancy.booked + 1
WHERE slot_occupancy.booked < ?
RETURNING booked`

const lockSeatSQL = `
SELECT booked FROM slot_occupancy
WHERE doctor_id = ? AND slot_date = CAST(? AS date) AND start_minute = ?
FOR UPDATE`

const releaseSeatSQL = `
UPDATE slot_occupancy SET booked = booked - 1
WHERE doctor_id = ? AND slot_date = CAST(? AS date) AND start_minute = ? AND booked > 0`

// BookingLedger keeps bookings and their per-slot occupancy counters in Postgres.
// Every write takes the occupancy row lock before touching bookings, so concurrent
// book and cancel calls on one slot serialise without deadlocking.
type BookingLedger struct {
	db   *bun.DB
	opts store.LedgerOptions
}

func NewBookingLedger(db *bun.DB, opts store.LedgerOptions) *BookingLedger {
	return &BookingLedger{db: db, opts: opts.WithDefaults()}
}

func (l *BookingLedger) TryBook(ctx context.Context, key domain.SlotKey, userID string) (domain.Booking, error) {
	b := domain.Booking{
		DoctorID:  key.DoctorID,
		SlotDate:  key.Date,
		Start:     key.Start,
		UserID:    userID,
		CreatedAt: l.opts.Now().UTC(),
		ExpiresAt: domain.RetentionDeadline(key.Date, l.opts.Retention),
	}

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var booked int
		err := tx.NewRaw(claimSeatSQL, key.DoctorID, key.Date, key.Start, l.opts.Capacity).Scan(ctx, &booked)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrSlotFull
		}
		if err != nil {
			return err
		}

		if _, err := tx.NewInsert().Model(&b).Exec(ctx); err != nil {
			if code, _ := pgCode(err); code == pgUniqueViolation {
				return store.ErrDuplicateBooking
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Booking{}, store.Classify("try_book", err)
	}
	return b, nil
}

func (l *BookingLedger) Cancel(ctx context.Context, key domain.SlotKey, userID string) error {
	now := l.opts.Now().UTC()
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var booked int
		err := tx.NewRaw(lockSeatSQL, key.DoctorID, key.Date, key.Start).Scan(ctx, &booked)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		res, err := tx.NewDelete().
			Model((*domain.Booking)(nil)).
			Where("doctor_id = ?", key.DoctorID).
			Where("slot_date = CAST(? AS date)", key.Date).
			Where("start_minute = ?", key.Start).
			Where("user_id = ?", userID).
			Where("expires_at > ?", now).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}

		_, err = tx.NewRaw(releaseSeatSQL, key.DoctorID, key.Date, key.Start).Exec(ctx)
		return err
	})
	return store.Classify("cancel", err)
}

func (l *BookingLedger) ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error) {
	return l.ListForDoctorRange(ctx, doctorID, date, date)
}

func (l *BookingLedger) ListForDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := l.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("slot_date >= CAST(? AS date)", from).
		Where("slot_date <= CAST(? AS date)", to).
		Where("expires_at > ?", l.opts.Now().UTC()).
		OrderExpr("slot_date ASC, start_minute ASC, created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, store.Classify("list_doctor", err)
	}
	return rows, nil
}

func (l *BookingLedger) ListForUser(ctx context.Context, userID string) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := l.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("expires_at > ?", l.opts.Now().UTC()).
		OrderExpr("created_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, store.Classify("list_user", err)
	}
	return rows, nil
}

func (l *BookingLedger) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}

	var candidates []domain.Booking
	err := l.db.NewSelect().
		Model(&candidates).
		Where("expires_at <= ?", now).
		OrderExpr("expires_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return 0, store.Classify("delete_expired", err)
	}

	removed := 0
	for _, b := range candidates {
		deleted := false
		err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var booked int
			err := tx.NewRaw(lockSeatSQL, b.DoctorID, b.SlotDate, b.Start).Scan(ctx, &booked)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			res, err := tx.NewDelete().
				Model((*domain.Booking)(nil)).
				Where("id = ?", b.ID).
				Where("expires_at <= ?", now).
				Exec(ctx)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return nil
			}

			if _, err := tx.NewRaw(releaseSeatSQL, b.DoctorID, b.SlotDate, b.Start).Exec(ctx); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if err != nil {
			return removed, store.Classify("delete_expired", err)
		}
		if deleted {
			removed++
		}
	}

	_, err = l.db.NewDelete().
		Model((*domain.SlotOccupancy)(nil)).
		Where("booked = 0").
		Where("slot_date < CAST(? AS date)", domain.DateOf(now.Add(-l.opts.Retention), time.UTC)).
		Exec(ctx)
	if err != nil {
		return removed, store.Classify("delete_expired", err)
	}
	return removed, nil
}
