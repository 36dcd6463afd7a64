package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/uptrace/bun"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"kokoro/backend/internal/config"
	"kokoro/backend/internal/store"
	"kokoro/backend/internal/store/postgres"
	"kokoro/backend/internal/store/redisstore"
	grpcTransport "kokoro/backend/internal/transport/grpc"
	"kokoro/backend/internal/worker"
)

// backend bundles the storage side selected by store.driver.
type backend struct {
	availability store.AvailabilityRepository
	ledger       store.BookingLedger
	// locker is nil when the driver has no shared lock; every instance then sweeps.
	locker worker.Locker
	close  func() error
}

func (b backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (backend, error) {
	opts := store.LedgerOptions{Capacity: cfg.Capacity, Retention: cfg.Retention}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			return backend{}, err
		}
		return backend{
			availability: postgres.NewAvailabilityRepo(db),
			ledger:       postgres.NewBookingLedger(db, opts),
			close:        func() error { return postgres.Close(db) },
		}, nil

	case config.StoreDriverRedis:
		log.Info("connecting to redis", slog.String("redis_addr", cfg.RedisAddr), slog.Int("redis_db", cfg.RedisDB))
		client, err := redisstore.Open(ctx, redisstore.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
			return backend{}, err
		}
		return backend{
			availability: redisstore.NewAvailabilityRepo(client, cfg.RedisKeyPrefix),
			ledger:       redisstore.NewBookingLedger(client, cfg.RedisKeyPrefix, opts),
			locker:       redisstore.NewLocker(client, cfg.RedisKeyPrefix),
			close:        client.Close,
		}, nil
	}
	return backend{}, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

func openDatabase(ctx context.Context, cfg config.Config, log *slog.Logger) (*bun.DB, error) {
	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return db, nil
}

func runMigrations(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("migrations only apply to the postgres store driver")
	}
	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		log.Error("migration failed", slog.Any("err", err))
		return err
	}
	if len(applied) == 0 {
		log.Info("database schema up to date")
		return nil
	}
	log.Info("migrations applied", slog.Any("migrations", applied))
	return nil
}

func dialScheduler(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func writeSlots(w io.Writer, resp *grpcTransport.ListAvailableResponse) {
	if len(resp.Slots) == 0 {
		fmt.Fprintf(w, "%s has no slots on %s\n", resp.DoctorID, resp.Date)
		return
	}
	fmt.Fprintf(w, "%s on %s\n", resp.DoctorID, resp.Date)
	for _, s := range resp.Slots {
		state := fmt.Sprintf("%d left", s.Remaining)
		if s.Remaining == 0 {
			state = "full"
		}
		fmt.Fprintf(w, "  %s-%s  %d booked, %s\n", s.Start, s.End, s.Booked, state)
	}
}
