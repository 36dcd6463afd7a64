package redisstore

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

const (
	defaultSweepBatch = 500

	releaseLive    = "live"
	releaseExpired = "expired"
)

// tryBookScript claims a seat and records the booking in one step. The seats set
// never expires on its own; only releaseScript frees a seat. The day hash gets a TTL
// at the retention deadline when that deadline is still ahead.
//
//	KEYS: seats, day hash, user index, expiry index
//	ARGV: user, field, booking json, capacity, created ms, expires unix, locator, now unix
var tryBookScript = redis.NewScript(`
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[4]) then
	return -1
end
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return -2
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[7])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[7])
if tonumber(ARGV[6]) > tonumber(ARGV[8]) then
	redis.call('EXPIREAT', KEYS[2], ARGV[6])
end
return 1
`)

// releaseScript removes one booking and frees its seat. Mode "live" only touches
// bookings whose retention has not ended, mode "expired" only those that have.
//
//	KEYS: seats, day hash, user index, expiry index
//	ARGV: user, field, locator, now unix, mode
var releaseScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[4], ARGV[3])
if not score then
	return 0
end
score = tonumber(score)
local now = tonumber(ARGV[4])
if ARGV[5] == 'live' and score <= now then
	return 0
end
if ARGV[5] == 'expired' and score > now then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[3])
return 1
`)

// locator addresses a booking from the user and expiry indexes.
type locator struct {
	DoctorID string           `json:"d"`
	Date     string           `json:"t"`
	Start    domain.TimeOfDay `json:"s"`
	UserID   string           `json:"u"`
}

func newLocator(key domain.SlotKey, userID string) locator {
	return locator{DoctorID: key.DoctorID, Date: domain.FormatDate(key.Date), Start: key.Start, UserID: userID}
}

func (l locator) encode() (string, error) {
	b, err := json.Marshal(l)
	return string(b), err
}

func decodeLocator(s string) (locator, domain.SlotKey, error) {
	var l locator
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return l, domain.SlotKey{}, err
	}
	date, err := domain.ParseDate(l.Date)
	if err != nil {
		return l, domain.SlotKey{}, err
	}
	return l, domain.SlotKey{DoctorID: l.DoctorID, Date: date, Start: l.Start}, nil
}

// BookingLedger keeps each slot's occupants in a set and each doctor-day's bookings
// in a hash, mutated only through Lua scripts so every check-and-write is atomic.
type BookingLedger struct {
	client redis.UniversalClient
	keys   keyspace
	opts   store.LedgerOptions
}

func NewBookingLedger(client redis.UniversalClient, keyPrefix string, opts store.LedgerOptions) *BookingLedger {
	return &BookingLedger{client: client, keys: newKeyspace(keyPrefix), opts: opts.WithDefaults()}
}

func (l *BookingLedger) scriptKeys(key domain.SlotKey, userID string) []string {
	return []string{
		l.keys.seats(key),
		l.keys.day(key.DoctorID, key.Date),
		l.keys.user(userID),
		l.keys.expiry(),
	}
}

func (l *BookingLedger) TryBook(ctx context.Context, key domain.SlotKey, userID string) (domain.Booking, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Booking{}, store.Classify("try_book", err)
	}
	b := domain.Booking{
		ID:        id,
		DoctorID:  key.DoctorID,
		SlotDate:  key.Date,
		Start:     key.Start,
		UserID:    userID,
		CreatedAt: l.opts.Now().UTC(),
		ExpiresAt: domain.RetentionDeadline(key.Date, l.opts.Retention),
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return domain.Booking{}, store.Classify("try_book", err)
	}
	loc, err := newLocator(key, userID).encode()
	if err != nil {
		return domain.Booking{}, store.Classify("try_book", err)
	}

	res, err := tryBookScript.Run(ctx, l.client, l.scriptKeys(key, userID),
		userID,
		bookingField(key.Start, userID),
		raw,
		l.opts.Capacity,
		b.CreatedAt.UnixMilli(),
		b.ExpiresAt.Unix(),
		loc,
		b.CreatedAt.Unix(),
	).Int()
	if err != nil {
		return domain.Booking{}, store.Classify("try_book", err)
	}

	switch res {
	case -1:
		return domain.Booking{}, store.ErrSlotFull
	case -2:
		return domain.Booking{}, store.ErrDuplicateBooking
	}
	return b, nil
}

func (l *BookingLedger) Cancel(ctx context.Context, key domain.SlotKey, userID string) error {
	removed, err := l.release(ctx, key, userID, l.opts.Now(), releaseLive)
	if err != nil {
		return store.Classify("cancel", err)
	}
	if !removed {
		return store.ErrNotFound
	}
	return nil
}

func (l *BookingLedger) release(ctx context.Context, key domain.SlotKey, userID string, now time.Time, mode string) (bool, error) {
	loc, err := newLocator(key, userID).encode()
	if err != nil {
		return false, err
	}
	res, err := releaseScript.Run(ctx, l.client, l.scriptKeys(key, userID),
		userID,
		bookingField(key.Start, userID),
		loc,
		now.Unix(),
		mode,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *BookingLedger) ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error) {
	return l.ListForDoctorRange(ctx, doctorID, date, date)
}

func (l *BookingLedger) ListForDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error) {
	if to.Before(from) {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, 0)
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			cmds = append(cmds, pipe.HGetAll(ctx, l.keys.day(doctorID, d)))
		}
		return nil
	})
	if err != nil {
		return nil, store.Classify("list_doctor", err)
	}

	now := l.opts.Now()
	var out []domain.Booking
	for _, cmd := range cmds {
		for _, v := range cmd.Val() {
			var b domain.Booking
			if err := json.Unmarshal([]byte(v), &b); err != nil {
				return nil, store.Classify("list_doctor", err)
			}
			if b.Live(now) {
				out = append(out, b)
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.Booking) int {
		if c := a.SlotDate.Compare(b.SlotDate); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

func (l *BookingLedger) ListForUser(ctx context.Context, userID string) ([]domain.Booking, error) {
	members, err := l.client.ZRevRange(ctx, l.keys.user(userID), 0, -1).Result()
	if err != nil {
		return nil, store.Classify("list_user", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]domain.SlotKey, 0, len(members))
	for _, m := range members {
		if _, key, err := decodeLocator(m); err == nil {
			keys = append(keys, key)
		}
	}

	cmds := make([]*redis.StringCmd, 0, len(keys))
	_, err = l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			cmds = append(cmds, pipe.HGet(ctx, l.keys.day(key.DoctorID, key.Date), bookingField(key.Start, userID)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify("list_user", err)
	}

	now := l.opts.Now()
	out := make([]domain.Booking, 0, len(cmds))
	for _, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, store.Classify("list_user", err)
		}
		var b domain.Booking
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			return nil, store.Classify("list_user", err)
		}
		if b.Live(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *BookingLedger) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}

	members, err := l.client.ZRangeByScore(ctx, l.keys.expiry(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, store.Classify("delete_expired", err)
	}

	removed := 0
	for _, m := range members {
		loc, key, err := decodeLocator(m)
		if err != nil {
			if zerr := l.client.ZRem(ctx, l.keys.expiry(), m).Err(); zerr != nil {
				return removed, store.Classify("delete_expired", zerr)
			}
			continue
		}
		ok, err := l.release(ctx, key, loc.UserID, now, releaseExpired)
		if err != nil {
			return removed, store.Classify("delete_expired", err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
