package store

import (
	"net/netip"
	"testing"
)

func TestPeerMapAddLookup(t *testing.T) {
	m := NewPeerMap()

	sig := PeerSig{Collector: "rrc00", Addr: netip.MustParseAddr("198.51.100.1"), ASN: 65001}
	id, existed, err := m.Add(sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existed {
		t.Error("expected existed=false on first add")
	}
	if id == 0 {
		t.Error("peer id 0 is reserved, must not be assigned")
	}

	id2, existed, err := m.Add(sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !existed {
		t.Error("expected existed=true on re-add")
	}
	if id2 != id {
		t.Errorf("re-add returned id %d, want %d", id2, id)
	}

	got, ok := m.Lookup(id)
	if !ok {
		t.Fatal("lookup of assigned id failed")
	}
	if got != sig {
		t.Errorf("lookup returned %v, want %v", got, sig)
	}
}

func TestPeerMapIdsMonotonic(t *testing.T) {
	m := NewPeerMap()
	var last uint16
	for i := 0; i < 100; i++ {
		sig := PeerSig{Collector: "rrc01", Addr: netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), ASN: uint32(i)}
		id, _, err := m.Add(sig)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
	if m.Len() != 100 {
		t.Errorf("Len() = %d, want 100", m.Len())
	}
}

func TestPeerMapLookupUnknown(t *testing.T) {
	m := NewPeerMap()
	if _, ok := m.Lookup(0); ok {
		t.Error("lookup of reserved id 0 must fail")
	}
	if _, ok := m.Lookup(42); ok {
		t.Error("lookup of unassigned id must fail")
	}
}

func TestPeerMapSigs(t *testing.T) {
	m := NewPeerMap()
	want := []PeerSig{
		{Collector: "rrc00", Addr: netip.MustParseAddr("198.51.100.1"), ASN: 65001},
		{Collector: "rrc01", Addr: netip.MustParseAddr("203.0.113.9"), ASN: 65002},
	}
	for _, sig := range want {
		if _, _, err := m.Add(sig); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	var lastID uint16
	n := 0
	for id, sig := range m.Sigs() {
		if id <= lastID {
			t.Errorf("ids not ascending: %d after %d", id, lastID)
		}
		lastID = id
		if sig != want[n] {
			t.Errorf("sig[%d] = %v, want %v", n, sig, want[n])
		}
		n++
	}
	if n != len(want) {
		t.Errorf("iterated %d sigs, want %d", n, len(want))
	}
}

func TestPeerMapCollectorTooLong(t *testing.T) {
	m := NewPeerMap()
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, _, err := m.Add(PeerSig{Collector: string(long), Addr: netip.MustParseAddr("10.0.0.1"), ASN: 1})
	if err == nil {
		t.Fatal("expected error for 256-byte collector name")
	}
}

func TestPathStoreInternIdempotent(t *testing.T) {
	s := NewPathStore()

	idx, inserted, err := s.Intern([]byte{0x01, 0x02, 0x03}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected inserted=true on first intern")
	}

	idx2, inserted, err := s.Intern([]byte{0x01, 0x02, 0x03}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected inserted=false on re-intern")
	}
	if idx2 != idx {
		t.Errorf("re-intern returned idx %d, want %d", idx2, idx)
	}

	p, ok := s.Get(idx)
	if !ok {
		t.Fatal("get of interned idx failed")
	}
	if p.IsCore {
		t.Error("re-intern must not change the original IsCore flag")
	}
}

func TestPathStoreCopiesData(t *testing.T) {
	s := NewPathStore()
	buf := []byte{0xAA, 0xBB}
	idx, _, err := s.Intern(buf, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buf[0] = 0x00

	p, _ := s.Get(idx)
	if p.Data[0] != 0xAA {
		t.Error("store must own a copy of the path bytes")
	}
	if !p.IsCore {
		t.Error("IsCore flag lost")
	}
}

func TestPathStoreAll(t *testing.T) {
	s := NewPathStore()
	want := [][]byte{{1}, {2, 2}, {3, 3, 3}}
	for _, d := range want {
		if _, _, err := s.Intern(d, false); err != nil {
			t.Fatalf("intern: %v", err)
		}
	}

	n := 0
	for p := range s.All() {
		if p.Idx != uint32(n) {
			t.Errorf("path %d has idx %d", n, p.Idx)
		}
		if len(p.Data) != len(want[n]) {
			t.Errorf("path %d has %d bytes, want %d", n, len(p.Data), len(want[n]))
		}
		n++
	}
	if n != len(want) {
		t.Errorf("iterated %d paths, want %d", n, len(want))
	}
	if s.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", s.Len(), len(want))
	}
}

func TestPathStoreGetUnknown(t *testing.T) {
	s := NewPathStore()
	if _, ok := s.Get(7); ok {
		t.Error("get of unknown idx must fail")
	}
}
