package postgres

import (
	"context"
	"strconv"

	"github.com/uptrace/bun"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

type AvailabilityRepo struct {
	db *bun.DB
}

func NewAvailabilityRepo(db *bun.DB) *AvailabilityRepo {
	return &AvailabilityRepo{db: db}
}

func templateLockKey(doctorID string, weekday domain.Weekday) string {
	return "availability:" + doctorID + "#" + strconv.Itoa(int(weekday))
}

func (r *AvailabilityRepo) ReplaceWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockKey(ctx, tx, templateLockKey(doctorID, weekday)); err != nil {
			return err
		}

		_, err := tx.NewDelete().
			Model((*domain.AvailabilityWindow)(nil)).
			Where("doctor_id = ?", doctorID).
			Where("weekday = ?", weekday).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(windows) == 0 {
			return nil
		}

		rows := make([]domain.AvailabilityWindow, 0, len(windows))
		for _, w := range windows {
			rows = append(rows, domain.NewAvailabilityWindow(doctorID, weekday, w))
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	return store.Classify("replace_weekday", err)
}

func (r *AvailabilityRepo) GetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
	var rows []domain.AvailabilityWindow
	err := r.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("weekday = ?", weekday).
		OrderExpr("start_minute ASC").
		Scan(ctx)
	if err != nil {
		return domain.Template{}, store.Classify("get_weekday", err)
	}

	tmpl := domain.Template{DoctorID: doctorID, Weekday: weekday, Windows: make([]domain.Window, 0, len(rows))}
	for _, row := range rows {
		tmpl.Windows = append(tmpl.Windows, row.Window())
	}
	return tmpl, nil
}

func (r *AvailabilityRepo) SetWindowDisabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error {
	res, err := r.db.NewUpdate().
		Model((*domain.AvailabilityWindow)(nil)).
		Set("disabled = ?", disabled).
		Set("updated_at = now()").
		Where("doctor_id = ?", doctorID).
		Where("weekday = ?", weekday).
		Where("start_minute = ?", window.Start).
		Where("end_minute = ?", window.End).
		Exec(ctx)
	if err != nil {
		return store.Classify("set_window_disabled", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return store.Classify("set_window_disabled", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
