package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Config - источник миграций и имя служебной таблицы.
type Config struct {
	FS          fs.FS
	Path        string
	Table       string
	LockTimeout time.Duration
}

// Migrator применяет встроенные SQL-миграции через пул pgx.
type Migrator struct {
	config Config
	pool   *pgxpool.Pool
}

func NewMigrator(config Config, pool *pgxpool.Pool) *Migrator {
	if config.Path == "" {
		config.Path = "."
	}
	if config.Table == "" {
		config.Table = "schema_migrations"
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 30 * time.Second
	}
	return &Migrator{config: config, pool: pool}
}

// Up применяет все новые миграции. Отсутствие изменений ошибкой не считается.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mg *migrate.Migrate) error { return mg.Up() })
}

// Down откатывает все миграции.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mg *migrate.Migrate) error { return mg.Down() })
}

// Version возвращает текущую версию схемы. Для пустой базы - 0.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := m.with(func(mg *migrate.Migrate) error {
		v, d, err := mg.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func (m *Migrator) run(ctx context.Context, direction string, fn func(*migrate.Migrate) error) error {
	logger := log.Ctx(ctx)
	start := time.Now()

	err := m.with(func(mg *migrate.Migrate) error {
		if err := fn(mg); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("direction", direction).Msg("database migration failed")
		return fmt.Errorf("failed to migrate %s: %w", direction, err)
	}

	logger.Info().Str("direction", direction).Dur("took", time.Since(start)).Msg("database migrations applied")
	return nil
}

func (m *Migrator) with(fn func(*migrate.Migrate) error) error {
	db := stdlib.OpenDBFromPool(m.pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: m.config.Table})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	source, err := iofs.New(m.config.FS, m.config.Path)
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	mg.LockTimeout = m.config.LockTimeout

	return fn(mg)
}
