// Package codec implements the framed binary wire format for views: the
// write side and read side of the magic-delimited section layout, the
// sync and diff frame bodies, and the id translation maps a receiver uses
// to rebind wire ids to its local stores. The codec is independent of the
// transport carrying the bytes.
package codec

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/view-exchange/internal/store"
	"github.com/route-beacon/view-exchange/internal/view"
)

// Composite magics: ViewMagic in the high 32 bits, the section magic in the
// low 32 bits, written in network byte order.
const (
	ViewMagic uint32 = 0x42475056 // "BGPV"

	MagicStart   uint32 = 0x53545254 // "STRT" view start
	MagicPeerEnd uint32 = 0x50454E44 // "PEND" peer list end (also intra-pfx)
	MagicPathEnd uint32 = 0x50415448 // "PATH" path list end
	MagicPfxEnd  uint32 = 0x58454E44 // "XEND" pfx list end
	MagicViewEnd uint32 = 0x56454E44 // "VEND" view end
)

// Diff cell operations. Sync cells carry no op byte; diff frames prefix
// every pfx-peer cell with one of these.
const (
	DiffOpAdd    uint8 = 1
	DiffOpRemove uint8 = 2
	DiffOpChange uint8 = 3
)

// ErrCorruption marks a malformed stream: magic mismatch, trailer count
// mismatch, invalid IP length, or a pfx-peer citing an unknown path index.
// The in-flight view is unusable; the stream position is undefined.
var ErrCorruption = fmt.Errorf("codec: stream corruption")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// WriteFilter decides, per record, whether the writer emits it. Nil
// callbacks (or a nil WriteFilter) keep everything; a callback error aborts
// the write. Dropping a record never shifts frame boundaries.
type WriteFilter struct {
	Peer    func(it *view.Iter) (bool, error)
	Pfx     func(it *view.Iter) (bool, error)
	PfxPeer func(it *view.Iter) (bool, error)
}

// ReadFilter decides, per parsed record, whether the reader inserts it into
// the receiving view. Dropped records are still parsed and still contribute
// to the trailer counts. Nil callbacks (or a nil ReadFilter) keep
// everything. The PfxPeer callback sees the cell's path resolved through
// the receiver's store.
type ReadFilter struct {
	Peer    func(sig store.PeerSig) (bool, error)
	Pfx     func(pfx netip.Prefix) (bool, error)
	PfxPeer func(path store.Path) (bool, error)
}

// PeerIDMap translates a sender's wire peer ids to receiver-local ids.
// Entry 0 means unmapped; valid local ids are non-zero. Grown by doubling,
// never shrunk.
type PeerIDMap struct {
	m []uint16
}

func (pm *PeerIDMap) Set(wire, local uint16) {
	if int(wire) >= len(pm.m) {
		n := len(pm.m)
		if n == 0 {
			n = 1
		}
		for n <= int(wire) {
			n *= 2
		}
		grown := make([]uint16, n)
		copy(grown, pm.m)
		pm.m = grown
	}
	pm.m[wire] = local
}

func (pm *PeerIDMap) Get(wire uint16) (uint16, bool) {
	if int(wire) >= len(pm.m) || pm.m[wire] == 0 {
		return 0, false
	}
	return pm.m[wire], true
}

// Reset unmaps all entries, keeping the allocation.
func (pm *PeerIDMap) Reset() {
	clear(pm.m)
}

// PathIDMap translates a sender's wire path indices to receiver-local
// indices. Grown by doubling, never shrunk.
type PathIDMap struct {
	m   []uint32
	set []bool
}

func (pm *PathIDMap) Set(wire, local uint32) {
	if int(wire) >= len(pm.m) {
		n := len(pm.m)
		if n == 0 {
			n = 1
		}
		for n <= int(wire) {
			n *= 2
		}
		grownM := make([]uint32, n)
		grownSet := make([]bool, n)
		copy(grownM, pm.m)
		copy(grownSet, pm.set)
		pm.m = grownM
		pm.set = grownSet
	}
	pm.m[wire] = local
	pm.set[wire] = true
}

func (pm *PathIDMap) Get(wire uint32) (uint32, bool) {
	if int(wire) >= len(pm.m) || !pm.set[wire] {
		return 0, false
	}
	return pm.m[wire], true
}

// Reset unmaps all entries, keeping the allocation.
func (pm *PathIDMap) Reset() {
	clear(pm.set)
}
