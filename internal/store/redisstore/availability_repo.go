package redisstore

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

const maxWatchRetries = 5

// AvailabilityRepo stores each weekday template as one hash keyed by window start.
type AvailabilityRepo struct {
	client redis.UniversalClient
	keys   keyspace
}

func NewAvailabilityRepo(client redis.UniversalClient, keyPrefix string) *AvailabilityRepo {
	return &AvailabilityRepo{client: client, keys: newKeyspace(keyPrefix)}
}

func (r *AvailabilityRepo) ReplaceWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
	key := r.keys.availability(doctorID, weekday)

	values := make([]any, 0, len(windows)*2)
	for _, w := range windows {
		raw, err := json.Marshal(w)
		if err != nil {
			return store.Classify("replace_weekday", err)
		}
		values = append(values, strconv.Itoa(int(w.Start)), raw)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	return store.Classify("replace_weekday", err)
}

func (r *AvailabilityRepo) GetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
	tmpl := domain.Template{DoctorID: doctorID, Weekday: weekday}

	raw, err := r.client.HGetAll(ctx, r.keys.availability(doctorID, weekday)).Result()
	if err != nil {
		return tmpl, store.Classify("get_weekday", err)
	}

	tmpl.Windows = make([]domain.Window, 0, len(raw))
	for _, v := range raw {
		var w domain.Window
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			return domain.Template{DoctorID: doctorID, Weekday: weekday}, store.Classify("get_weekday", err)
		}
		tmpl.Windows = append(tmpl.Windows, w)
	}
	slices.SortFunc(tmpl.Windows, func(a, b domain.Window) int { return int(a.Start) - int(b.Start) })
	return tmpl, nil
}

func (r *AvailabilityRepo) SetWindowDisabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error {
	key := r.keys.availability(doctorID, weekday)
	field := strconv.Itoa(int(window.Start))

	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		var current domain.Window
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return err
		}
		if current.End != window.End {
			return store.ErrNotFound
		}
		current.Disabled = disabled

		next, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, next)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return store.Classify("set_window_disabled", err)
	}
	return store.Classify("set_window_disabled", redis.TxFailedErr)
}
