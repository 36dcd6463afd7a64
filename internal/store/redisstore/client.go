package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"kokoro/backend/internal/domain"
)

const DefaultKeyPrefix = "kokoro:"

type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Open connects to a single Redis node and verifies it answers PING. The ledger
// scripts touch keys of several slots at once, so cluster mode is not supported.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) availability(doctorID string, weekday domain.Weekday) string {
	return k.prefix + "avail:" + doctorID + "#" + strconv.Itoa(int(weekday))
}

func (k keyspace) seats(key domain.SlotKey) string {
	return k.prefix + "seats:" + key.DoctorID + "#" + domain.FormatDate(key.Date) + "#" + strconv.Itoa(int(key.Start))
}

func (k keyspace) day(doctorID string, date time.Time) string {
	return k.prefix + "book:" + doctorID + "#" + domain.FormatDate(date)
}

func (k keyspace) user(userID string) string {
	return k.prefix + "user:" + userID
}

func (k keyspace) expiry() string {
	return k.prefix + "book:expiry"
}

func (k keyspace) lock(name string) string {
	return k.prefix + "lock:" + name
}

// bookingField is the hash field of a booking inside its doctor-day hash.
func bookingField(start domain.TimeOfDay, userID string) string {
	return strconv.Itoa(int(start)) + "#" + userID
}
