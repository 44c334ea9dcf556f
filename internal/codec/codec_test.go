package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/route-beacon/view-exchange/internal/store"
	"github.com/route-beacon/view-exchange/internal/view"
)

func sig(collector, addr string, asn uint32) store.PeerSig {
	return store.PeerSig{Collector: collector, Addr: netip.MustParseAddr(addr), ASN: asn}
}

func addPeer(t *testing.T, v *view.View, s store.PeerSig) uint16 {
	t.Helper()
	id, err := v.AddPeer(s)
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := v.ActivatePeer(id); err != nil {
		t.Fatalf("activate peer: %v", err)
	}
	return id
}

func addCell(t *testing.T, v *view.View, pfx string, peerID uint16, path []byte, isCore bool) {
	t.Helper()
	idx, _, err := v.PathStore().Intern(path, isCore)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	p := netip.MustParsePrefix(pfx)
	if err := v.AddPfxPeer(p, peerID, idx); err != nil {
		t.Fatalf("add pfx-peer: %v", err)
	}
	if err := v.ActivatePfxPeer(p, peerID); err != nil {
		t.Fatalf("activate pfx-peer: %v", err)
	}
}

func magicBytes(section uint32) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], ViewMagic)
	binary.BigEndian.PutUint32(b[4:8], section)
	return b[:]
}

func TestWriteEmptyViewBytes(t *testing.T) {
	v := view.New()
	v.SetTime(1500000000)

	var buf bytes.Buffer
	if err := WriteView(&buf, v, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	var want bytes.Buffer
	want.Write(magicBytes(MagicStart))
	binary.Write(&want, binary.BigEndian, uint32(1500000000))
	want.Write(magicBytes(MagicPeerEnd))
	binary.Write(&want, binary.BigEndian, uint16(0))
	want.Write(magicBytes(MagicPathEnd))
	binary.Write(&want, binary.BigEndian, uint32(0))
	want.Write(magicBytes(MagicPfxEnd))
	binary.Write(&want, binary.BigEndian, uint32(0))
	want.Write(magicBytes(MagicViewEnd))

	if !bytes.Equal(buf.Bytes(), want.Bytes()) {
		t.Errorf("empty view bytes\n got %x\nwant %x", buf.Bytes(), want.Bytes())
	}
}

func TestRoundTripSinglePfxSinglePeer(t *testing.T) {
	src := view.New()
	src.SetTime(1500000000)
	id := addPeer(t, src, sig("rrc00", "198.51.100.1", 65001))
	path := []byte{0x02, 0x00, 0x01, 0xFD, 0xE9, 0x00, 0x01, 0xFD, 0xEA}
	addCell(t, src, "192.0.2.0/24", id, path, false)

	var buf bytes.Buffer
	if err := WriteView(&buf, src, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := view.New()
	r := NewReader(&buf)
	if err := r.ReadView(dst, nil); err != nil {
		t.Fatalf("read: %v", err)
	}

	if dst.Time() != 1500000000 {
		t.Errorf("time = %d, want 1500000000", dst.Time())
	}
	if dst.PeerCnt(view.FieldActive) != 1 {
		t.Errorf("active peers = %d, want 1", dst.PeerCnt(view.FieldActive))
	}
	if dst.PfxCnt(0, view.FieldActive) != 1 {
		t.Errorf("active pfxs = %d, want 1", dst.PfxCnt(0, view.FieldActive))
	}

	it := dst.Iter()
	if !it.SeekPfx(netip.MustParsePrefix("192.0.2.0/24"), view.FieldActive) {
		t.Fatal("prefix not found after round trip")
	}
	it.FirstPfxPeer(view.FieldActive)
	if !it.HasMorePfxPeer() {
		t.Fatal("pfx-peer not found after round trip")
	}
	got, ok := it.PfxPeerPath()
	if !ok {
		t.Fatal("path not resolvable after round trip")
	}
	if !bytes.Equal(got.Data, path) {
		t.Errorf("path data = %x, want %x", got.Data, path)
	}
	if got.IsCore {
		t.Error("is_core flag flipped in transit")
	}
	gotSig, _ := dst.PeerSig(it.PfxPeerID())
	if gotSig != sig("rrc00", "198.51.100.1", 65001) {
		t.Errorf("peer sig = %v", gotSig)
	}

	// Clean boundary after the only view.
	if err := r.ReadView(view.New(), nil); err != io.EOF {
		t.Errorf("read past end = %v, want io.EOF", err)
	}
}

func TestRoundTripIPv6AndCore(t *testing.T) {
	src := view.New()
	src.SetTime(42)
	id := addPeer(t, src, sig("route-views2", "2001:db8::1", 65010))
	addCell(t, src, "2001:db8:1000::/36", id, []byte{1, 2, 3}, true)

	var buf bytes.Buffer
	if err := WriteView(&buf, src, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := view.New()
	if err := NewReader(&buf).ReadView(dst, nil); err != nil {
		t.Fatalf("read: %v", err)
	}

	it := dst.Iter()
	if !it.SeekPfx(netip.MustParsePrefix("2001:db8:1000::/36"), view.FieldActive) {
		t.Fatal("v6 prefix lost")
	}
	it.FirstPfxPeer(view.FieldActive)
	p, _ := it.PfxPeerPath()
	if !p.IsCore {
		t.Error("is_core flag lost for v6 cell")
	}
}

func viewWithTwoPeers(t *testing.T) (*view.View, uint16, uint16) {
	t.Helper()
	v := view.New()
	v.SetTime(1000)
	id1 := addPeer(t, v, sig("rrc00", "198.51.100.1", 65001))
	id2 := addPeer(t, v, sig("rrc00", "198.51.100.2", 65002))
	addCell(t, v, "192.0.2.0/24", id1, []byte{0xA}, false)
	addCell(t, v, "192.0.2.0/24", id2, []byte{0xB}, false)
	addCell(t, v, "198.51.100.0/24", id1, []byte{0xA}, false)
	return v, id1, id2
}

func TestReadFilterDropsPeer(t *testing.T) {
	src, id1, id2 := viewWithTwoPeers(t)

	var buf bytes.Buffer
	if err := WriteView(&buf, src, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := view.New()
	f := &ReadFilter{
		Peer: func(s store.PeerSig) (bool, error) { return s.ASN == 65002, nil },
	}
	if err := NewReader(&buf).ReadView(dst, f); err != nil {
		t.Fatalf("read: %v", err)
	}

	if dst.PeerCnt(view.FieldActive) != 1 {
		t.Fatalf("active peers = %d, want 1", dst.PeerCnt(view.FieldActive))
	}
	// Only 192.0.2.0/24 had a cell from the kept peer.
	if dst.PfxCnt(0, view.FieldActive) != 1 {
		t.Errorf("active pfxs = %d, want 1", dst.PfxCnt(0, view.FieldActive))
	}
	_ = id1
	_ = id2
}

func TestWriteFilterDropsPeer(t *testing.T) {
	src, _, id2 := viewWithTwoPeers(t)

	wf := &WriteFilter{
		Peer: func(it *view.Iter) (bool, error) { return it.PeerID() == id2, nil },
		PfxPeer: func(it *view.Iter) (bool, error) { return it.PfxPeerID() == id2, nil },
	}
	var buf bytes.Buffer
	if err := WriteView(&buf, src, wf); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := view.New()
	if err := NewReader(&buf).ReadView(dst, nil); err != nil {
		t.Fatalf("read: %v", err)
	}

	if dst.PeerCnt(view.FieldActive) != 1 {
		t.Errorf("active peers = %d, want 1", dst.PeerCnt(view.FieldActive))
	}
	// 198.51.100.0/24 only had a cell from the dropped peer: silently skipped.
	if dst.PfxCnt(0, view.FieldActive) != 1 {
		t.Errorf("active pfxs = %d, want 1", dst.PfxCnt(0, view.FieldActive))
	}
}

func TestFilterCallbackErrorIsFatal(t *testing.T) {
	src, _, _ := viewWithTwoPeers(t)
	wantErr := errors.New("reject")

	wf := &WriteFilter{
		Peer: func(it *view.Iter) (bool, error) { return false, wantErr },
	}
	var buf bytes.Buffer
	if err := WriteView(&buf, src, wf); !errors.Is(err, wantErr) {
		t.Errorf("write with erroring filter = %v, want %v", err, wantErr)
	}
}

func TestTruncationIsCorruption(t *testing.T) {
	src, _, _ := viewWithTwoPeers(t)
	var buf bytes.Buffer
	if err := WriteView(&buf, src, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	full := buf.Bytes()

	// Truncating anywhere inside the view must yield corruption, never a
	// silently accepted partial view.
	for _, cut := range []int{1, 8, 13, 20, len(full) / 2, len(full) - 1} {
		dst := view.New()
		err := NewReader(bytes.NewReader(full[:cut])).ReadView(dst, nil)
		if !errors.Is(err, ErrCorruption) {
			t.Errorf("truncation at %d: err = %v, want ErrCorruption", cut, err)
		}
	}
}

func TestCountMismatchIsCorruption(t *testing.T) {
	v := view.New()
	v.SetTime(77)
	var buf bytes.Buffer
	if err := WriteView(&buf, v, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()

	// The u16 peer count sits right after STRT(8) + time(4) + PEND(8).
	raw[8+4+8+1] = 9
	err := NewReader(bytes.NewReader(raw)).ReadView(view.New(), nil)
	if !errors.Is(err, ErrCorruption) {
		t.Errorf("tampered peer count: err = %v, want ErrCorruption", err)
	}
}

func TestFlippedMagicIsCorruption(t *testing.T) {
	v := view.New()
	v.SetTime(77)
	var buf bytes.Buffer
	if err := WriteView(&buf, v, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()

	// Flip a byte inside the XEND composite magic.
	xendOff := 8 + 4 + 8 + 2 + 8 + 4
	raw[xendOff+5] ^= 0xFF
	err := NewReader(bytes.NewReader(raw)).ReadView(view.New(), nil)
	if !errors.Is(err, ErrCorruption) {
		t.Errorf("flipped XEND magic: err = %v, want ErrCorruption", err)
	}
}

func TestUnknownPathIndexIsCorruption(t *testing.T) {
	src := view.New()
	src.SetTime(5)
	id := addPeer(t, src, sig("rrc00", "198.51.100.1", 65001))
	addCell(t, src, "192.0.2.0/24", id, []byte{0xA}, false)

	var buf bytes.Buffer
	if err := WriteView(&buf, src, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()

	// The cell's path index is the 4 bytes before the intra-pfx PEND magic.
	pendOff := bytes.LastIndex(raw, magicBytes(MagicPeerEnd))
	binary.BigEndian.PutUint32(raw[pendOff-4:pendOff], 999)

	err := NewReader(bytes.NewReader(raw)).ReadView(view.New(), nil)
	if !errors.Is(err, ErrCorruption) {
		t.Errorf("unknown path idx: err = %v, want ErrCorruption", err)
	}
}

func TestMultipleViewsSequential(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		v := view.New()
		v.SetTime(i * 100)
		if err := WriteView(&buf, v, nil); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	r := NewReader(&buf)
	for i := uint32(1); i <= 3; i++ {
		v := view.New()
		if err := r.ReadView(v, nil); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if v.Time() != i*100 {
			t.Errorf("view %d time = %d, want %d", i, v.Time(), i*100)
		}
	}
	if err := r.ReadView(view.New(), nil); err != io.EOF {
		t.Errorf("after last view: %v, want io.EOF", err)
	}
}
