// Package view holds the in-memory model of one routing view: the sparse
// (peer x prefix) table of AS paths observed at a single timestamp, bound to
// the interning stores that keep its paths and peer signatures compact.
package view

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/view-exchange/internal/store"
)

// Field selects which table entries an iteration or count covers.
type Field int

const (
	FieldActive Field = iota
	FieldInactive
	FieldAll
)

func (f Field) matches(active bool) bool {
	switch f {
	case FieldActive:
		return active
	case FieldInactive:
		return !active
	default:
		return true
	}
}

type cell struct {
	pathIdx uint32
	active  bool
}

type pfxEntry struct {
	peers     map[uint16]*cell
	activeCnt int
}

type peerEntry struct {
	active  bool
	pfx4Cnt int // active IPv4 pfx-peer cells
	pfx6Cnt int // active IPv6 pfx-peer cells
}

// View is one snapshot of the (peer x prefix) table. Activation is tracked
// independently at peer level and at pfx-peer level; a pfx-peer may only be
// activated while its peer is active, and a prefix counts as active while it
// has at least one active pfx-peer.
type View struct {
	time  uint32
	paths *store.PathStore
	peers *store.PeerMap

	peerInfo map[uint16]*peerEntry
	pfxs     map[netip.Prefix]*pfxEntry
}

// New creates an empty view with its own interning stores.
func New() *View {
	return NewWithStores(store.NewPathStore(), store.NewPeerMap())
}

// NewWithStores creates an empty view bound to existing stores. Views that
// must be diffed against each other (a producer's current and parent view)
// share stores so path indices are directly comparable.
func NewWithStores(paths *store.PathStore, peers *store.PeerMap) *View {
	return &View{
		paths:    paths,
		peers:    peers,
		peerInfo: make(map[uint16]*peerEntry),
		pfxs:     make(map[netip.Prefix]*pfxEntry),
	}
}

func (v *View) Time() uint32                { return v.time }
func (v *View) SetTime(t uint32)            { v.time = t }
func (v *View) PathStore() *store.PathStore { return v.paths }
func (v *View) PeerMap() *store.PeerMap     { return v.peers }

// AddPeer registers a peer signature with the view's peer map and makes the
// peer known (inactive) in this view.
func (v *View) AddPeer(sig store.PeerSig) (uint16, error) {
	id, _, err := v.peers.Add(sig)
	if err != nil {
		return 0, err
	}
	if _, ok := v.peerInfo[id]; !ok {
		v.peerInfo[id] = &peerEntry{}
	}
	return id, nil
}

// ActivatePeer marks a known peer active.
func (v *View) ActivatePeer(id uint16) error {
	pe, ok := v.peerInfo[id]
	if !ok {
		return fmt.Errorf("view: activate of unknown peer id %d", id)
	}
	pe.active = true
	return nil
}

// DeactivatePeer marks a known peer inactive and deactivates every cell it
// still holds, so the peer-level and pfx-peer-level activation invariant is
// preserved. The peer and its cells stay known; only activation changes.
func (v *View) DeactivatePeer(id uint16) error {
	pe, ok := v.peerInfo[id]
	if !ok {
		return fmt.Errorf("view: deactivate of unknown peer id %d", id)
	}
	if !pe.active {
		return nil
	}
	for pfx, entry := range v.pfxs {
		c, ok := entry.peers[id]
		if !ok || !c.active {
			continue
		}
		c.active = false
		entry.activeCnt--
		if pfx.Addr().Is4() {
			pe.pfx4Cnt--
		} else {
			pe.pfx6Cnt--
		}
	}
	pe.active = false
	return nil
}

// PeerActive reports whether a peer is present and active.
func (v *View) PeerActive(id uint16) bool {
	pe, ok := v.peerInfo[id]
	return ok && pe.active
}

// PeerSig resolves a peer id through the bound peer map.
func (v *View) PeerSig(id uint16) (store.PeerSig, bool) {
	return v.peers.Lookup(id)
}

// PeerPfxCnt reports the number of active pfx-peer cells a peer holds for one
// address family (4 or 6), or both when family is 0.
func (v *View) PeerPfxCnt(id uint16, family int) int {
	pe, ok := v.peerInfo[id]
	if !ok {
		return 0
	}
	switch family {
	case 4:
		return pe.pfx4Cnt
	case 6:
		return pe.pfx6Cnt
	default:
		return pe.pfx4Cnt + pe.pfx6Cnt
	}
}

// AddPfxPeer upserts the (pfx, peer) cell with the given path index. The
// prefix is canonicalized; the peer must already be known to the view. A
// fresh cell starts inactive. Upserting an existing cell keeps its activation
// and replaces the path index.
func (v *View) AddPfxPeer(pfx netip.Prefix, peerID uint16, pathIdx uint32) error {
	if _, ok := v.peerInfo[peerID]; !ok {
		return fmt.Errorf("view: pfx-peer references unknown peer id %d", peerID)
	}
	pfx = pfx.Masked()
	pe, ok := v.pfxs[pfx]
	if !ok {
		pe = &pfxEntry{peers: make(map[uint16]*cell)}
		v.pfxs[pfx] = pe
	}
	if c, ok := pe.peers[peerID]; ok {
		c.pathIdx = pathIdx
		return nil
	}
	pe.peers[peerID] = &cell{pathIdx: pathIdx}
	return nil
}

// ActivatePfxPeer marks the (pfx, peer) cell active. The cell stays active
// until Clear, DeactivatePeer or RemovePfxPeer. The peer itself must be
// active.
func (v *View) ActivatePfxPeer(pfx netip.Prefix, peerID uint16) error {
	pfx = pfx.Masked()
	pe, ok := v.pfxs[pfx]
	if !ok {
		return fmt.Errorf("view: activate of unknown pfx %s", pfx)
	}
	c, ok := pe.peers[peerID]
	if !ok {
		return fmt.Errorf("view: activate of unknown pfx-peer (%s, %d)", pfx, peerID)
	}
	info, ok := v.peerInfo[peerID]
	if !ok || !info.active {
		return fmt.Errorf("view: pfx-peer (%s, %d) activated before its peer", pfx, peerID)
	}
	if c.active {
		return nil
	}
	c.active = true
	pe.activeCnt++
	if pfx.Addr().Is4() {
		info.pfx4Cnt++
	} else {
		info.pfx6Cnt++
	}
	return nil
}

// RemovePfxPeer drops the (pfx, peer) cell; the prefix entry is dropped with
// its last cell. Used when applying diff frames.
func (v *View) RemovePfxPeer(pfx netip.Prefix, peerID uint16) {
	pfx = pfx.Masked()
	pe, ok := v.pfxs[pfx]
	if !ok {
		return
	}
	c, ok := pe.peers[peerID]
	if !ok {
		return
	}
	if c.active {
		pe.activeCnt--
		if info, ok := v.peerInfo[peerID]; ok {
			if pfx.Addr().Is4() {
				info.pfx4Cnt--
			} else {
				info.pfx6Cnt--
			}
		}
	}
	delete(pe.peers, peerID)
	if len(pe.peers) == 0 {
		delete(v.pfxs, pfx)
	}
}

// PfxPeer reads the (pfx, peer) cell.
func (v *View) PfxPeer(pfx netip.Prefix, peerID uint16) (pathIdx uint32, active bool, ok bool) {
	pe, found := v.pfxs[pfx.Masked()]
	if !found {
		return 0, false, false
	}
	c, found := pe.peers[peerID]
	if !found {
		return 0, false, false
	}
	return c.pathIdx, c.active, true
}

// PfxActive reports whether a prefix has at least one active pfx-peer.
func (v *View) PfxActive(pfx netip.Prefix) bool {
	pe, ok := v.pfxs[pfx.Masked()]
	return ok && pe.activeCnt > 0
}

// PeerCnt counts peers matching the field filter.
func (v *View) PeerCnt(f Field) int {
	n := 0
	for _, pe := range v.peerInfo {
		if f.matches(pe.active) {
			n++
		}
	}
	return n
}

// PfxCnt counts prefixes matching the field filter, for one address family
// (4 or 6) or both (0).
func (v *View) PfxCnt(family int, f Field) int {
	n := 0
	for pfx, pe := range v.pfxs {
		if family == 4 && !pfx.Addr().Is4() {
			continue
		}
		if family == 6 && pfx.Addr().Is4() {
			continue
		}
		if f.matches(pe.activeCnt > 0) {
			n++
		}
	}
	return n
}

// Clear resets the table and all activation, keeping the bound stores and
// previously assigned peer ids intact.
func (v *View) Clear() {
	v.time = 0
	v.pfxs = make(map[netip.Prefix]*pfxEntry)
	for _, pe := range v.peerInfo {
		pe.active = false
		pe.pfx4Cnt = 0
		pe.pfx6Cnt = 0
	}
}

// CopyFrom clears the view and deep-copies the table of src into it. Both
// views must share stores; the producer uses this to retain its parent view.
func (v *View) CopyFrom(src *View) error {
	if v.paths != src.paths || v.peers != src.peers {
		return fmt.Errorf("view: copy between views with different stores")
	}
	v.Clear()
	v.time = src.time
	for id, pe := range src.peerInfo {
		cp := *pe
		v.peerInfo[id] = &cp
	}
	for pfx, pe := range src.pfxs {
		dst := &pfxEntry{peers: make(map[uint16]*cell, len(pe.peers)), activeCnt: pe.activeCnt}
		for id, c := range pe.peers {
			cc := *c
			dst.peers[id] = &cc
		}
		v.pfxs[pfx] = dst
	}
	return nil
}
