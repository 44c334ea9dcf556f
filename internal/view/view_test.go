package view

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/view-exchange/internal/store"
)

func mustSig(collector, addr string, asn uint32) store.PeerSig {
	return store.PeerSig{Collector: collector, Addr: netip.MustParseAddr(addr), ASN: asn}
}

func addActivePeer(t *testing.T, v *View, sig store.PeerSig) uint16 {
	t.Helper()
	id, err := v.AddPeer(sig)
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := v.ActivatePeer(id); err != nil {
		t.Fatalf("activate peer: %v", err)
	}
	return id
}

func addActiveCell(t *testing.T, v *View, pfx string, peerID uint16, pathIdx uint32) netip.Prefix {
	t.Helper()
	p := netip.MustParsePrefix(pfx)
	if err := v.AddPfxPeer(p, peerID, pathIdx); err != nil {
		t.Fatalf("add pfx-peer %s: %v", pfx, err)
	}
	if err := v.ActivatePfxPeer(p, peerID); err != nil {
		t.Fatalf("activate pfx-peer %s: %v", pfx, err)
	}
	return p
}

func TestActivationOrdering(t *testing.T) {
	v := New()
	id, err := v.AddPeer(mustSig("rrc00", "198.51.100.1", 65001))
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}

	p := netip.MustParsePrefix("192.0.2.0/24")
	if err := v.AddPfxPeer(p, id, 0); err != nil {
		t.Fatalf("add pfx-peer: %v", err)
	}

	// Cell activation before peer activation must fail.
	if err := v.ActivatePfxPeer(p, id); err == nil {
		t.Fatal("expected error activating pfx-peer under inactive peer")
	}

	if err := v.ActivatePeer(id); err != nil {
		t.Fatalf("activate peer: %v", err)
	}
	if err := v.ActivatePfxPeer(p, id); err != nil {
		t.Fatalf("activate pfx-peer: %v", err)
	}

	if !v.PfxActive(p) {
		t.Error("prefix with one active cell must be active")
	}
	if v.PeerPfxCnt(id, 4) != 1 {
		t.Errorf("peer v4 pfx cnt = %d, want 1", v.PeerPfxCnt(id, 4))
	}
	if v.PeerPfxCnt(id, 6) != 0 {
		t.Errorf("peer v6 pfx cnt = %d, want 0", v.PeerPfxCnt(id, 6))
	}
}

func TestAddPfxPeerUnknownPeer(t *testing.T) {
	v := New()
	err := v.AddPfxPeer(netip.MustParsePrefix("192.0.2.0/24"), 9, 0)
	if err == nil {
		t.Fatal("expected error for pfx-peer referencing unknown peer id")
	}
}

func TestPrefixCanonicalized(t *testing.T) {
	v := New()
	id := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))

	// Host bits set: must land on the canonical 192.0.2.0/24 entry.
	if err := v.AddPfxPeer(netip.MustParsePrefix("192.0.2.55/24"), id, 3); err != nil {
		t.Fatalf("add pfx-peer: %v", err)
	}
	idx, _, ok := v.PfxPeer(netip.MustParsePrefix("192.0.2.0/24"), id)
	if !ok {
		t.Fatal("canonical prefix entry not found")
	}
	if idx != 3 {
		t.Errorf("path idx = %d, want 3", idx)
	}
}

func TestIterOrder(t *testing.T) {
	v := New()
	id := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))

	addActiveCell(t, v, "2001:db8::/32", id, 0)
	addActiveCell(t, v, "198.51.100.0/24", id, 0)
	addActiveCell(t, v, "192.0.2.0/24", id, 0)

	it := v.Iter()
	var got []string
	for it.FirstPfx(0, FieldActive); it.HasMorePfx(); it.NextPfx() {
		got = append(got, it.Pfx().String())
	}
	want := []string{"192.0.2.0/24", "198.51.100.0/24", "2001:db8::/32"}
	if len(got) != len(want) {
		t.Fatalf("iterated %d prefixes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pfx[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Family-restricted iteration.
	it.FirstPfx(6, FieldActive)
	if !it.HasMorePfx() || it.Pfx().String() != "2001:db8::/32" {
		t.Error("family=6 iteration must yield only the IPv6 prefix")
	}
	it.NextPfx()
	if it.HasMorePfx() {
		t.Error("family=6 iteration yielded more than one prefix")
	}
}

func TestIterPeersAndCells(t *testing.T) {
	v := New()
	id1 := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))
	id2 := addActivePeer(t, v, mustSig("rrc01", "203.0.113.9", 65002))
	id3, err := v.AddPeer(mustSig("rrc02", "203.0.113.10", 65003)) // stays inactive
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}

	p := addActiveCell(t, v, "192.0.2.0/24", id1, 1)
	if err := v.AddPfxPeer(p, id2, 2); err != nil {
		t.Fatalf("add second cell: %v", err)
	}
	// id2's cell stays inactive.

	it := v.Iter()
	n := 0
	for it.FirstPeer(FieldActive); it.HasMorePeer(); it.NextPeer() {
		if it.PeerID() == id3 {
			t.Error("inactive peer enumerated under FieldActive")
		}
		n++
	}
	if n != 2 {
		t.Errorf("active peer count = %d, want 2", n)
	}

	if !it.SeekPfx(p, FieldActive) {
		t.Fatal("seek of active prefix failed")
	}
	it.FirstPfxPeer(FieldActive)
	if !it.HasMorePfxPeer() {
		t.Fatal("no active pfx-peer found")
	}
	if it.PfxPeerID() != id1 || it.PfxPeerPathIdx() != 1 {
		t.Errorf("active cell = (%d, %d), want (%d, 1)", it.PfxPeerID(), it.PfxPeerPathIdx(), id1)
	}
	it.NextPfxPeer()
	if it.HasMorePfxPeer() {
		t.Error("inactive cell enumerated under FieldActive")
	}

	it.FirstPfxPeer(FieldAll)
	cnt := 0
	for ; it.HasMorePfxPeer(); it.NextPfxPeer() {
		cnt++
	}
	if cnt != 2 {
		t.Errorf("FieldAll cell count = %d, want 2", cnt)
	}
}

func TestSeekPfxMissing(t *testing.T) {
	v := New()
	it := v.Iter()
	if it.SeekPfx(netip.MustParsePrefix("10.0.0.0/8"), FieldAll) {
		t.Error("seek of absent prefix must fail")
	}
}

func TestClearResetsActivation(t *testing.T) {
	v := New()
	v.SetTime(1500000000)
	id := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))
	addActiveCell(t, v, "192.0.2.0/24", id, 0)

	v.Clear()

	if v.Time() != 0 {
		t.Error("clear must reset time")
	}
	if v.PeerActive(id) {
		t.Error("clear must deactivate peers")
	}
	if v.PfxCnt(0, FieldAll) != 0 {
		t.Error("clear must drop prefixes")
	}
	if v.PeerPfxCnt(id, 4) != 0 {
		t.Error("clear must reset per-peer pfx counts")
	}

	// Peer ids survive a clear: re-adding the same signature yields the
	// same id from the shared map.
	id2, err := v.AddPeer(mustSig("rrc00", "198.51.100.1", 65001))
	if err != nil {
		t.Fatalf("re-add peer: %v", err)
	}
	if id2 != id {
		t.Errorf("peer id after clear = %d, want %d", id2, id)
	}
}

func TestCopyFrom(t *testing.T) {
	src := New()
	src.SetTime(1500000000)
	id := addActivePeer(t, src, mustSig("rrc00", "198.51.100.1", 65001))
	p := addActiveCell(t, src, "192.0.2.0/24", id, 7)

	dst := NewWithStores(src.PathStore(), src.PeerMap())
	if err := dst.CopyFrom(src); err != nil {
		t.Fatalf("copy: %v", err)
	}

	if dst.Time() != src.Time() {
		t.Error("copy must carry the view time")
	}
	idx, active, ok := dst.PfxPeer(p, id)
	if !ok || !active || idx != 7 {
		t.Fatalf("copied cell = (%d, %v, %v), want (7, true, true)", idx, active, ok)
	}

	// Mutating the copy must not leak into the source.
	dst.RemovePfxPeer(p, id)
	if _, _, ok := src.PfxPeer(p, id); !ok {
		t.Error("removing from copy mutated the source")
	}
}

func TestCopyFromForeignStores(t *testing.T) {
	if err := New().CopyFrom(New()); err == nil {
		t.Fatal("copy between views with different stores must fail")
	}
}

func TestDeactivatePeer(t *testing.T) {
	v := New()
	id1 := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))
	id2 := addActivePeer(t, v, mustSig("rrc01", "203.0.113.9", 65002))
	p := addActiveCell(t, v, "192.0.2.0/24", id1, 1)
	if err := v.AddPfxPeer(p, id2, 2); err != nil {
		t.Fatalf("add cell: %v", err)
	}
	if err := v.ActivatePfxPeer(p, id2); err != nil {
		t.Fatalf("activate cell: %v", err)
	}
	addActiveCell(t, v, "2001:db8::/32", id1, 1)

	if err := v.DeactivatePeer(id1); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if v.PeerActive(id1) {
		t.Error("peer still active after deactivate")
	}
	if v.PeerPfxCnt(id1, 0) != 0 {
		t.Errorf("deactivated peer pfx cnt = %d, want 0", v.PeerPfxCnt(id1, 0))
	}
	if _, active, ok := v.PfxPeer(p, id1); !ok || active {
		t.Error("deactivated peer's cell must stay known but inactive")
	}

	// The other peer's cell keeps the prefix active; the v6 prefix had
	// only id1's cell and goes inactive with it.
	if !v.PfxActive(p) {
		t.Error("prefix with a remaining active cell went inactive")
	}
	if v.PfxActive(netip.MustParsePrefix("2001:db8::/32")) {
		t.Error("prefix with only the deactivated peer's cell stayed active")
	}

	// Idempotent.
	if err := v.DeactivatePeer(id1); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if err := v.DeactivatePeer(99); err == nil {
		t.Error("deactivate of unknown peer must fail")
	}
}

func TestRemovePfxPeer(t *testing.T) {
	v := New()
	id := addActivePeer(t, v, mustSig("rrc00", "198.51.100.1", 65001))
	p := addActiveCell(t, v, "192.0.2.0/24", id, 0)

	v.RemovePfxPeer(p, id)
	if v.PfxCnt(0, FieldAll) != 0 {
		t.Error("prefix must be dropped with its last cell")
	}
	if v.PeerPfxCnt(id, 4) != 0 {
		t.Error("removing an active cell must decrement the peer's count")
	}
}
