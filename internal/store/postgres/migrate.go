package postgres

import (
	"context"
	"embed"
	"io/fs"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func Migrations() (*migrate.Migrations, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	m := migrate.NewMigrations()
	if err := m.Discover(sub); err != nil {
		return nil, err
	}
	return m, nil
}

// Migrate applies pending migrations and returns the names of the ones it ran.
func Migrate(ctx context.Context, db *bun.DB) ([]string, error) {
	ms, err := Migrations()
	if err != nil {
		return nil, err
	}
	migrator := migrate.NewMigrator(db, ms)
	if err := migrator.Init(ctx); err != nil {
		return nil, err
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = migrator.Unlock(ctx) }()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(group.Migrations))
	for _, m := range group.Migrations {
		names = append(names, m.Name)
	}
	return names, nil
}
