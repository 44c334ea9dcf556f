package view

import (
	"net/netip"
	"sort"

	"github.com/route-beacon/view-exchange/internal/store"
)

// Iter walks a view's peers, prefixes and pfx-peer cells in a stable order:
// peer ids ascending, IPv4 prefixes before IPv6, prefixes in address order.
// The snapshot taken at First* is stable against mutation through the
// iterator's own positioned mutators.
type Iter struct {
	v *View

	peerIDs   []uint16
	peerPos   int
	peerField Field

	pfxList  []netip.Prefix
	pfxPos   int
	pfxField Field

	cellIDs   []uint16
	cellPos   int
	cellField Field

	// current pfx-peer position for positioned mutators
	curPfx    netip.Prefix
	curPfxOK  bool
	curPeerID uint16
	curCellOK bool
}

// Iter creates an iterator over the view.
func (v *View) Iter() *Iter {
	return &Iter{v: v}
}

// View returns the underlying view.
func (it *Iter) View() *View { return it.v }

func comparePfx(a, b netip.Prefix) int {
	aIs4, bIs4 := a.Addr().Is4(), b.Addr().Is4()
	if aIs4 != bIs4 {
		if aIs4 {
			return -1
		}
		return 1
	}
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// FirstPeer positions the iterator at the first peer matching the filter.
func (it *Iter) FirstPeer(f Field) {
	it.peerField = f
	it.peerIDs = it.peerIDs[:0]
	for id, pe := range it.v.peerInfo {
		if f.matches(pe.active) {
			it.peerIDs = append(it.peerIDs, id)
		}
	}
	sort.Slice(it.peerIDs, func(i, j int) bool { return it.peerIDs[i] < it.peerIDs[j] })
	it.peerPos = 0
}

// HasMorePeer reports whether the iterator is positioned on a peer.
func (it *Iter) HasMorePeer() bool { return it.peerPos < len(it.peerIDs) }

// NextPeer advances to the next matching peer.
func (it *Iter) NextPeer() { it.peerPos++ }

// PeerID returns the id of the current peer.
func (it *Iter) PeerID() uint16 { return it.peerIDs[it.peerPos] }

// PeerSig returns the signature of the current peer.
func (it *Iter) PeerSig() store.PeerSig {
	sig, _ := it.v.peers.Lookup(it.PeerID())
	return sig
}

// PeerPfxCnt reports the current peer's active pfx count for one family.
func (it *Iter) PeerPfxCnt(family int) int {
	return it.v.PeerPfxCnt(it.PeerID(), family)
}

// FirstPfx positions the iterator at the first prefix of the given family
// (4, 6, or 0 for both) matching the filter. IPv4 prefixes sort first.
func (it *Iter) FirstPfx(family int, f Field) {
	it.pfxField = f
	it.pfxList = it.pfxList[:0]
	for pfx, pe := range it.v.pfxs {
		if family == 4 && !pfx.Addr().Is4() {
			continue
		}
		if family == 6 && pfx.Addr().Is4() {
			continue
		}
		if f.matches(pe.activeCnt > 0) {
			it.pfxList = append(it.pfxList, pfx)
		}
	}
	sort.Slice(it.pfxList, func(i, j int) bool { return comparePfx(it.pfxList[i], it.pfxList[j]) < 0 })
	it.pfxPos = 0
	it.syncPfxPos()
}

// HasMorePfx reports whether the iterator is positioned on a prefix.
func (it *Iter) HasMorePfx() bool { return it.pfxPos < len(it.pfxList) }

// NextPfx advances to the next matching prefix.
func (it *Iter) NextPfx() {
	it.pfxPos++
	it.syncPfxPos()
}

func (it *Iter) syncPfxPos() {
	it.curPfxOK = it.HasMorePfx()
	if it.curPfxOK {
		it.curPfx = it.pfxList[it.pfxPos]
	}
	it.curCellOK = false
}

// Pfx returns the current prefix.
func (it *Iter) Pfx() netip.Prefix { return it.curPfx }

// SeekPfx positions the iterator on the given prefix if it exists and
// matches the filter.
func (it *Iter) SeekPfx(pfx netip.Prefix, f Field) bool {
	pfx = pfx.Masked()
	pe, ok := it.v.pfxs[pfx]
	if !ok || !f.matches(pe.activeCnt > 0) {
		return false
	}
	it.pfxList = append(it.pfxList[:0], pfx)
	it.pfxField = f
	it.pfxPos = 0
	it.syncPfxPos()
	return true
}

// FirstPfxPeer positions the iterator at the first pfx-peer cell of the
// current prefix matching the filter.
func (it *Iter) FirstPfxPeer(f Field) {
	it.cellField = f
	it.cellIDs = it.cellIDs[:0]
	pe, ok := it.v.pfxs[it.curPfx]
	if ok {
		for id, c := range pe.peers {
			if f.matches(c.active) {
				it.cellIDs = append(it.cellIDs, id)
			}
		}
		sort.Slice(it.cellIDs, func(i, j int) bool { return it.cellIDs[i] < it.cellIDs[j] })
	}
	it.cellPos = 0
	it.syncCellPos()
}

// HasMorePfxPeer reports whether the iterator is positioned on a pfx-peer.
func (it *Iter) HasMorePfxPeer() bool { return it.cellPos < len(it.cellIDs) }

// NextPfxPeer advances to the next matching pfx-peer.
func (it *Iter) NextPfxPeer() {
	it.cellPos++
	it.syncCellPos()
}

func (it *Iter) syncCellPos() {
	it.curCellOK = it.HasMorePfxPeer()
	if it.curCellOK {
		it.curPeerID = it.cellIDs[it.cellPos]
	}
}

// PfxPeerID returns the peer id of the current pfx-peer cell.
func (it *Iter) PfxPeerID() uint16 { return it.curPeerID }

// PfxPeerPathIdx returns the path index of the current pfx-peer cell.
func (it *Iter) PfxPeerPathIdx() uint32 {
	idx, _, _ := it.v.PfxPeer(it.curPfx, it.curPeerID)
	return idx
}

// PfxPeerPath resolves the current cell's path through the view's path store.
func (it *Iter) PfxPeerPath() (store.Path, bool) {
	return it.v.paths.Get(it.PfxPeerPathIdx())
}

// AddPfxPeer inserts a cell and positions the iterator on it.
func (it *Iter) AddPfxPeer(pfx netip.Prefix, peerID uint16, pathIdx uint32) error {
	if err := it.v.AddPfxPeer(pfx, peerID, pathIdx); err != nil {
		return err
	}
	it.curPfx = pfx.Masked()
	it.curPfxOK = true
	it.curPeerID = peerID
	it.curCellOK = true
	return nil
}

// PfxAddPeer inserts a cell under the current prefix, avoiding the prefix
// hash lookup, and positions the iterator on it.
func (it *Iter) PfxAddPeer(peerID uint16, pathIdx uint32) error {
	return it.AddPfxPeer(it.curPfx, peerID, pathIdx)
}

// PfxActivatePeer activates the current pfx-peer cell.
func (it *Iter) PfxActivatePeer() error {
	return it.v.ActivatePfxPeer(it.curPfx, it.curPeerID)
}
