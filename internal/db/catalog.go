package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createCatalogTable = `
CREATE TABLE IF NOT EXISTS view_archive (
    identity    TEXT NOT NULL,
    view_time   BIGINT NOT NULL,
    filename    TEXT NOT NULL,
    size_bytes  BIGINT NOT NULL,
    view_cnt    INTEGER NOT NULL,
    pfx_cnt     BIGINT NOT NULL,
    written_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (identity, view_time, filename)
);`

// Catalog records completed archive files so operators can locate the file
// holding a given view time without scanning the filesystem.
type Catalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewCatalog(pool *pgxpool.Pool, logger *zap.Logger) *Catalog {
	return &Catalog{pool: pool, logger: logger}
}

// EnsureSchema creates the view_archive table when missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, createCatalogTable); err != nil {
		return fmt.Errorf("creating view_archive table: %w", err)
	}
	return nil
}

// RecordFile registers one completed archive file. viewTime is the time of
// the first view in the file.
func (c *Catalog) RecordFile(ctx context.Context, identity string, viewTime uint32, filename string, sizeBytes int64, viewCnt int, pfxCnt int64) error {
	start := time.Now()
	_, err := c.pool.Exec(ctx, `
		INSERT INTO view_archive (identity, view_time, filename, size_bytes, view_cnt, pfx_cnt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity, view_time, filename) DO UPDATE
		SET size_bytes = EXCLUDED.size_bytes, view_cnt = EXCLUDED.view_cnt,
		    pfx_cnt = EXCLUDED.pfx_cnt, written_at = now()`,
		identity, int64(viewTime), filename, sizeBytes, viewCnt, pfxCnt,
	)
	if err != nil {
		return fmt.Errorf("recording archive file %s: %w", filename, err)
	}
	c.logger.Debug("archive file recorded",
		zap.String("filename", filename),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
