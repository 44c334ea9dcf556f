package store

import (
	"fmt"
	"iter"
	"math"
	"net/netip"
)

// ErrStoreFull is returned when an interning store has exhausted its id space.
var ErrStoreFull = fmt.Errorf("store: id space exhausted")

// PeerSig identifies one BGP session: the collector observing it, the peer's
// address and the peer's ASN. It is the value interned by PeerMap.
type PeerSig struct {
	Collector string
	Addr      netip.Addr
	ASN       uint32
}

func (s PeerSig) String() string {
	return fmt.Sprintf("%s|%s|%d", s.Collector, s.Addr, s.ASN)
}

// PeerMap is a bidirectional mapping between peer signatures and compact
// 16-bit peer ids. Ids are drawn from a monotonic counter starting at 1 and
// are never reused within the map's lifetime. Id 0 is reserved.
type PeerMap struct {
	ids  map[PeerSig]uint16
	sigs []PeerSig // index = id; sigs[0] unused
}

func NewPeerMap() *PeerMap {
	return &PeerMap{
		ids:  make(map[PeerSig]uint16),
		sigs: make([]PeerSig, 1),
	}
}

// Add registers a signature and returns its id. Re-adding an existing
// signature returns the original id with existed=true.
func (m *PeerMap) Add(sig PeerSig) (id uint16, existed bool, err error) {
	if len(sig.Collector) > math.MaxUint8 {
		return 0, false, fmt.Errorf("store: collector name %q exceeds %d bytes", sig.Collector, math.MaxUint8)
	}
	if id, ok := m.ids[sig]; ok {
		return id, true, nil
	}
	if len(m.sigs) > math.MaxUint16 {
		return 0, false, fmt.Errorf("store: peer map: %w", ErrStoreFull)
	}
	id = uint16(len(m.sigs))
	m.ids[sig] = id
	m.sigs = append(m.sigs, sig)
	return id, false, nil
}

// Lookup resolves an id to its signature.
func (m *PeerMap) Lookup(id uint16) (PeerSig, bool) {
	if id == 0 || int(id) >= len(m.sigs) {
		return PeerSig{}, false
	}
	return m.sigs[id], true
}

// Len reports the number of registered signatures.
func (m *PeerMap) Len() int {
	return len(m.sigs) - 1
}

// Sigs iterates the registered (id, signature) pairs in id order.
func (m *PeerMap) Sigs() iter.Seq2[uint16, PeerSig] {
	return func(yield func(uint16, PeerSig) bool) {
		for id := 1; id < len(m.sigs); id++ {
			if !yield(uint16(id), m.sigs[id]) {
				return
			}
		}
	}
}
