// Package consumers holds the downstream observers of reassembled views:
// the file archiver, the performance monitor and the sub-prefix detector.
// Each consumes a borrowed view through the iteration contract and never
// retains it past the call.
package consumers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/route-beacon/view-exchange/internal/db"
	"github.com/route-beacon/view-exchange/internal/fileio"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
)

// Archiver writes every view to rotating compressed files in the framed
// wire format. Rotation is driven by view time, optionally aligned to
// multiples of the rotation interval; a "latest" pointer file names the
// last completed output.
type Archiver struct {
	cfg      config.ArchiveConfig
	identity string
	catalog  *db.Catalog
	logger   *zap.Logger

	out        *fileio.ViewWriter
	nextRotate uint32
	firstTime  uint32
	viewCnt    int
	pfxCnt     int64
}

// NewArchiver builds an archiver. catalog may be nil to skip the archive
// catalog.
func NewArchiver(cfg config.ArchiveConfig, identity string, catalog *db.Catalog, logger *zap.Logger) *Archiver {
	return &Archiver{cfg: cfg, identity: identity, catalog: catalog, logger: logger}
}

// Write appends one view, rotating the output file first when the view's
// time has crossed the rotation boundary.
func (a *Archiver) Write(v *view.View) error {
	if a.out != nil && a.shouldRotate(v.Time()) {
		if err := a.completeFile(); err != nil {
			return err
		}
	}

	if a.out == nil {
		name := expandPattern(a.cfg.FilePattern, v.Time())
		out, err := fileio.NewViewWriter(name, a.cfg.CompressLevel)
		if err != nil {
			return err
		}
		a.out = out
		a.firstTime = v.Time()
		a.viewCnt = 0
		a.pfxCnt = 0
		if a.cfg.RotateInterval > 0 {
			interval := uint32(a.cfg.RotateInterval)
			if a.cfg.RotateAlign {
				a.nextRotate = (v.Time()/interval + 1) * interval
			} else {
				a.nextRotate = v.Time() + interval
			}
		}
		a.logger.Info("archive file opened", zap.String("filename", name))
	}

	if err := a.out.WriteView(v, nil); err != nil {
		return fmt.Errorf("archiver: writing view %d: %w", v.Time(), err)
	}
	a.viewCnt++
	a.pfxCnt += int64(v.PfxCnt(0, view.FieldActive))
	metrics.ArchiveViewsWrittenTotal.Inc()
	return nil
}

func (a *Archiver) shouldRotate(viewTime uint32) bool {
	return a.cfg.RotateInterval > 0 && viewTime >= a.nextRotate
}

// completeFile closes the current output, updates the latest pointer and
// the catalog.
func (a *Archiver) completeFile() error {
	if a.out == nil {
		return nil
	}
	name := a.out.Path()
	if err := a.out.Close(); err != nil {
		return err
	}
	a.out = nil
	metrics.ArchiveRotationsTotal.Inc()

	if a.cfg.LatestFile != "" {
		if err := os.WriteFile(a.cfg.LatestFile, []byte(name+"\n"), 0o644); err != nil {
			return fmt.Errorf("archiver: writing latest pointer: %w", err)
		}
	}

	if a.catalog != nil {
		fi, err := os.Stat(name)
		var size int64
		if err == nil {
			size = fi.Size()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.catalog.RecordFile(ctx, a.identity, a.firstTime, name, size, a.viewCnt, a.pfxCnt); err != nil {
			// The file itself is safe on disk; a catalog miss is not
			// worth failing the pipeline over.
			a.logger.Warn("archive catalog update failed", zap.Error(err))
		}
	}

	a.logger.Info("archive file completed",
		zap.String("filename", name),
		zap.Int("views", a.viewCnt),
	)
	return nil
}

// Close completes the in-progress file.
func (a *Archiver) Close() error {
	return a.completeFile()
}
