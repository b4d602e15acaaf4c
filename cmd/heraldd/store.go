package main

import (
	"context"
	"fmt"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/store/postgres"
	"github.com/xraph/herald/store/sqlite"
)

// Store drivers selectable from the config file.
const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type storeConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c storeConfig) validate() error {
	switch c.Driver {
	case driverMemory:
		return nil
	case driverPostgres, driverSQLite:
		if c.DSN == "" {
			return fmt.Errorf("store: %s driver requires a dsn", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("store: unknown driver %q (want memory, postgres or sqlite)", c.Driver)
	}
}

// persistent reports whether records outlive the process.
func (c storeConfig) persistent() bool {
	return c.Driver != driverMemory
}

// openStore connects the configured backend and applies its migrations.
func openStore(ctx context.Context, c storeConfig) (store.Store, error) {
	var s store.Store
	switch c.Driver {
	case driverMemory:
		return memory.New(), nil
	case driverPostgres:
		pgdb := pgdriver.New()
		if err := pgdb.Open(ctx, c.DSN); err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		db, err := grove.Open(pgdb)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		s = postgres.New(db)
	case driverSQLite:
		sdb := sqlitedriver.New()
		if err := sdb.Open(ctx, c.DSN); err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		db, err := grove.Open(sdb)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		s = sqlite.New(db)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", c.Driver)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
