package consumers

import (
	"bufio"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/route-beacon/view-exchange/internal/fileio"
	"github.com/route-beacon/view-exchange/internal/store"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
)

func buildView(t *testing.T, tm uint32, pfxs ...string) *view.View {
	t.Helper()
	v := view.New()
	v.SetTime(tm)
	id, err := v.AddPeer(store.PeerSig{Collector: "rrc00", Addr: netip.MustParseAddr("198.51.100.1"), ASN: 65001})
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := v.ActivatePeer(id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	idx, _, err := v.PathStore().Intern([]byte{0x01, 0x02}, false)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	for _, s := range pfxs {
		p := netip.MustParsePrefix(s)
		if err := v.AddPfxPeer(p, id, idx); err != nil {
			t.Fatalf("add cell: %v", err)
		}
		if err := v.ActivatePfxPeer(p, id); err != nil {
			t.Fatalf("activate cell: %v", err)
		}
	}
	return v
}

func TestExpandPattern(t *testing.T) {
	// 2017-07-14 02:40:00 UTC
	const tm = 1500000000
	cases := []struct{ pattern, want string }{
		{"bgpview.%s.bin.gz", "bgpview.1500000000.bin.gz"},
		{"%Y/%m/%d/view.%s.gz", "2017/07/14/view.1500000000.gz"},
		{"v.%H%M%S.gz", "v.024000.gz"},
		{"pct%%.gz", "pct%.gz"},
		{"plain.gz", "plain.gz"},
	}
	for _, c := range cases {
		if got := expandPattern(c.pattern, tm); got != c.want {
			t.Errorf("expandPattern(%q) = %q, want %q", c.pattern, got, c.want)
		}
	}
}

func TestArchiverRotationAligned(t *testing.T) {
	dir := t.TempDir()
	latest := filepath.Join(dir, "latest")
	cfg := config.ArchiveConfig{
		FilePattern:    filepath.Join(dir, "view.%s.bin.gz"),
		CompressLevel:  1,
		RotateInterval: 3600,
		RotateAlign:    true,
		LatestFile:     latest,
	}
	a := NewArchiver(cfg, "rrc00-sender", nil, zap.NewNop())

	// 300s into the hour: the aligned boundary is the next hour mark.
	if err := a.Write(buildView(t, 3600+300, "192.0.2.0/24")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := a.Write(buildView(t, 3600+600, "192.0.2.0/24")); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	// Crosses the boundary: rotates into a second file.
	if err := a.Write(buildView(t, 7200, "192.0.2.0/24")); err != nil {
		t.Fatalf("write 3: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "view.*.bin.gz"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	sort.Strings(files)
	if len(files) != 2 {
		t.Fatalf("got %d files %v, want 2", len(files), files)
	}

	// First file holds the two pre-boundary views.
	r, err := fileio.NewViewReader(files[0])
	if err != nil {
		t.Fatalf("open %s: %v", files[0], err)
	}
	defer r.Close()
	cnt := 0
	for {
		v := view.New()
		if err := r.ReadView(v, nil); err != nil {
			break
		}
		cnt++
	}
	if cnt != 2 {
		t.Errorf("first file holds %d views, want 2", cnt)
	}

	// Latest pointer names the last completed file: Close completed the
	// second one after the rotation completed the first.
	b, err := os.ReadFile(latest)
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	got := strings.TrimSpace(string(b))
	if got != files[1] {
		t.Errorf("latest pointer = %q, want %q (last completed file)", got, files[1])
	}
}

func TestArchiverNoRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ArchiveConfig{
		FilePattern:   filepath.Join(dir, "all.%s.bin.gz"),
		CompressLevel: 1,
	}
	a := NewArchiver(cfg, "rrc00-sender", nil, zap.NewNop())
	for _, tm := range []uint32{100, 5000, 90000} {
		if err := a.Write(buildView(t, tm, "192.0.2.0/24")); err != nil {
			t.Fatalf("write %d: %v", tm, err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "all.*.bin.gz"))
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1 without rotation", len(files))
	}
}

func readEvents(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gz.Close()
	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	sort.Strings(lines)
	return lines
}

func TestSubpfxDetector(t *testing.T) {
	dir := t.TempDir()
	d := NewSubpfxDetector(dir, 1, zap.NewNop())

	// View 1: 192.0.2.0/24 is covered by 192.0.2.0/23.
	v1 := buildView(t, 1000, "192.0.2.0/23", "192.0.2.0/24", "198.51.100.0/24")
	if err := d.Process(v1); err != nil {
		t.Fatalf("process 1: %v", err)
	}
	got := readEvents(t, filepath.Join(dir, "subpfx.1000.events.gz"))
	want := []string{"1000|NEW|192.0.2.0/23|192.0.2.0/24"}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("view 1 events = %v, want %v", got, want)
	}

	// View 2: the sub-prefix is withdrawn, a new one appears under
	// 198.51.100.0/24.
	v2 := buildView(t, 2000, "192.0.2.0/23", "198.51.100.0/24", "198.51.100.128/25")
	if err := d.Process(v2); err != nil {
		t.Fatalf("process 2: %v", err)
	}
	got = readEvents(t, filepath.Join(dir, "subpfx.2000.events.gz"))
	want = []string{
		"2000|FINISHED|192.0.2.0/23|192.0.2.0/24",
		"2000|NEW|198.51.100.0/24|198.51.100.128/25",
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("view 2 events = %v, want %v", got, want)
	}

	// View 3: no change; empty events file.
	v3 := buildView(t, 3000, "192.0.2.0/23", "198.51.100.0/24", "198.51.100.128/25")
	if err := d.Process(v3); err != nil {
		t.Fatalf("process 3: %v", err)
	}
	if got := readEvents(t, filepath.Join(dir, "subpfx.3000.events.gz")); len(got) != 0 {
		t.Fatalf("view 3 events = %v, want none", got)
	}
}

func TestPerfMonitorProcess(t *testing.T) {
	m := NewPerfMonitor(zap.NewNop())
	v := buildView(t, 1000, "192.0.2.0/24", "2001:db8::/32")
	if err := m.Process(v); err != nil {
		t.Fatalf("process: %v", err)
	}
}
