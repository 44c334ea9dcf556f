package consumers

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/gaissmai/bart"
	"github.com/klauspost/compress/gzip"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
)

// SubpfxDetector finds active prefixes that are strictly covered by another
// active prefix and tracks how the sub-prefix population changes between
// consecutive views. Each view produces a compressed events file listing
// the sub-prefixes that appeared (NEW) and disappeared (FINISHED) since the
// previous view.
type SubpfxDetector struct {
	outdir string
	level  int
	logger *zap.Logger

	// Flip-flop pair of sub-prefix -> covering-prefix maps; current holds
	// this view's detections, the other the previous view's.
	subpfxs [2]map[netip.Prefix]netip.Prefix
	curIdx  int
}

func NewSubpfxDetector(outdir string, level int, logger *zap.Logger) *SubpfxDetector {
	return &SubpfxDetector{
		outdir: outdir,
		level:  level,
		logger: logger,
		subpfxs: [2]map[netip.Prefix]netip.Prefix{
			make(map[netip.Prefix]netip.Prefix),
			make(map[netip.Prefix]netip.Prefix),
		},
	}
}

func (d *SubpfxDetector) cur() map[netip.Prefix]netip.Prefix {
	return d.subpfxs[d.curIdx]
}

func (d *SubpfxDetector) prev() map[netip.Prefix]netip.Prefix {
	return d.subpfxs[(d.curIdx+1)%2]
}

// Process detects sub-prefixes in one view and writes the diff against the
// previous view.
func (d *SubpfxDetector) Process(v *view.View) error {
	tbl := new(bart.Table[struct{}])
	it := v.Iter()
	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		tbl.Insert(it.Pfx(), struct{}{})
	}

	cur := d.cur()
	clear(cur)
	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		pfx := it.Pfx()
		// The minimum covering prefix is the most specific supernet other
		// than the prefix itself.
		for super := range tbl.Supernets(pfx) {
			if super == pfx {
				continue
			}
			cur[pfx] = super
			break
		}
	}

	name := filepath.Join(d.outdir, fmt.Sprintf("subpfx.%d.events.gz", v.Time()))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("subpfx: create %s: %w", name, err)
	}
	gz, err := gzip.NewWriterLevel(f, d.level)
	if err != nil {
		f.Close()
		return fmt.Errorf("subpfx: gzip: %w", err)
	}

	werr := d.writeEvents(gz, v.Time())
	if cerr := gz.Close(); werr == nil {
		werr = cerr
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("subpfx: writing %s: %w", name, werr)
	}

	// Flip: this view's map becomes the previous one for the next pass.
	d.curIdx = (d.curIdx + 1) % 2
	return nil
}

func (d *SubpfxDetector) writeEvents(w *gzip.Writer, viewTime uint32) error {
	cur, prev := d.cur(), d.prev()
	newCnt, finCnt := 0, 0

	for sub, super := range cur {
		if _, seen := prev[sub]; seen {
			continue
		}
		if _, err := fmt.Fprintf(w, "%d|NEW|%s|%s\n", viewTime, super, sub); err != nil {
			return err
		}
		newCnt++
	}
	for sub, super := range prev {
		if _, still := cur[sub]; still {
			continue
		}
		if _, err := fmt.Fprintf(w, "%d|FINISHED|%s|%s\n", viewTime, super, sub); err != nil {
			return err
		}
		finCnt++
	}

	metrics.SubpfxEventsTotal.WithLabelValues("new").Add(float64(newCnt))
	metrics.SubpfxEventsTotal.WithLabelValues("finished").Add(float64(finCnt))
	d.logger.Debug("subpfx events written",
		zap.Uint32("view_time", viewTime),
		zap.Int("new", newCnt),
		zap.Int("finished", finCnt),
	)
	return nil
}
