package store

import (
	"context"
	"fmt"
	"log/slog"

	"licensed/internal/config"
)

// OpenFromConfig builds the configured backend and loads the collection.
func OpenFromConfig(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Collection, error) {
	var (
		snap Snapshotter
		err  error
	)

	switch cfg.Backend {
	case "", "file":
		snap = NewFileSnapshotter(cfg.FilePath)
	case "memory":
		snap = NewMemorySnapshotter()
	case "postgres":
		pg, perr := OpenPostgres(ctx, cfg.PostgresDSN)
		if perr != nil {
			return nil, perr
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		snap = pg
	case "sheets":
		snap, err = NewSheetsSnapshotter(ctx, cfg.SheetID, cfg.SheetRange, cfg.SheetsCreds)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	c, err := Open(ctx, snap, logger)
	if err != nil {
		snap.Close()
		return nil, err
	}
	return c, nil
}
