package codec

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"sort"

	"github.com/route-beacon/view-exchange/internal/view"
)

// DiffStats counts the outcome of one diff computation. The producer
// publishes these through its metrics after every emit.
type DiffStats struct {
	CommonPfx  int
	AddedPfx   int
	RemovedPfx int
	ChangedPfx int

	AddedPfxPeer   int
	ChangedPfxPeer int
	RemovedPfxPeer int
}

type diffCell struct {
	op      uint8
	peerID  uint16
	pathIdx uint32
}

// keepSet evaluates the peer filter once per active peer of a view. The
// filter sees the iterator positioned on the peer, so predicates over
// per-peer state (full-feed counts) are evaluated against that generation.
func keepSet(it *view.Iter, f *WriteFilter) (map[uint16]bool, error) {
	keep := make(map[uint16]bool)
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		k := true
		if f != nil && f.Peer != nil {
			var err error
			k, err = f.Peer(it)
			if err != nil {
				return nil, fmt.Errorf("codec: peer filter: %w", err)
			}
		}
		if k {
			keep[it.PeerID()] = true
		}
	}
	return keep, nil
}

// activeCells collects the active, filter-surviving cells of the prefix the
// iterator is positioned on.
func activeCells(it *view.Iter, keep map[uint16]bool, f *WriteFilter) (map[uint16]uint32, error) {
	cells := make(map[uint16]uint32)
	for it.FirstPfxPeer(view.FieldActive); it.HasMorePfxPeer(); it.NextPfxPeer() {
		if !keep[it.PfxPeerID()] {
			continue
		}
		if f != nil && f.PfxPeer != nil {
			k, err := f.PfxPeer(it)
			if err != nil {
				return nil, fmt.Errorf("codec: pfx-peer filter: %w", err)
			}
			if !k {
				continue
			}
		}
		cells[it.PfxPeerID()] = it.PfxPeerPathIdx()
	}
	return cells, nil
}

func writeDiffPfx(w io.Writer, pfx netip.Prefix, ops []diffCell) error {
	var buf bytes.Buffer
	for _, c := range ops {
		if err := writeU8(&buf, c.op); err != nil {
			return err
		}
		if err := writeU16(&buf, c.peerID); err != nil {
			return err
		}
		if err := writeU32(&buf, c.pathIdx); err != nil {
			return err
		}
	}
	if err := writePfxHeader(w, pfx); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := writeMagic(w, MagicPeerEnd); err != nil {
		return err
	}
	return writeU16(w, uint16(len(ops)))
}

// WriteDiffPfxs emits the prefix section of a diff frame: per (pfx, peer)
// cell exactly one of added, removed or changed relative to parent; common
// cells are not emitted and a prefix with no differing cells is not emitted.
// Both views must share stores so path indices are comparable. Returns the
// number of prefixes emitted.
func WriteDiffPfxs(w io.Writer, cur, parent *view.View, f *WriteFilter, stats *DiffStats) (int, error) {
	curIt := cur.Iter()
	parIt := parent.Iter()

	curKeep, err := keepSet(curIt, f)
	if err != nil {
		return 0, err
	}
	parKeep, err := keepSet(parIt, f)
	if err != nil {
		return 0, err
	}

	pfxCnt := 0
	visited := make(map[netip.Prefix]bool)

	for curIt.FirstPfx(0, view.FieldActive); curIt.HasMorePfx(); curIt.NextPfx() {
		pfx := curIt.Pfx()
		if f != nil && f.Pfx != nil {
			k, err := f.Pfx(curIt)
			if err != nil {
				return 0, fmt.Errorf("codec: pfx filter: %w", err)
			}
			if !k {
				continue
			}
		}
		visited[pfx] = true

		curCells, err := activeCells(curIt, curKeep, f)
		if err != nil {
			return 0, err
		}
		var parCells map[uint16]uint32
		if parIt.SeekPfx(pfx, view.FieldActive) {
			if parCells, err = activeCells(parIt, parKeep, f); err != nil {
				return 0, err
			}
		}

		ops := classifyCells(curCells, parCells, stats)
		if len(ops) == 0 {
			if len(curCells) > 0 && len(parCells) > 0 {
				stats.CommonPfx++
			}
			continue
		}
		switch {
		case len(parCells) == 0:
			stats.AddedPfx++
		case len(curCells) == 0:
			stats.RemovedPfx++
		default:
			stats.ChangedPfx++
		}
		if err := writeDiffPfx(w, pfx, ops); err != nil {
			return 0, err
		}
		pfxCnt++
	}

	// Prefixes active in the parent but gone from the current view: every
	// surviving parent cell becomes a remove.
	for parIt.FirstPfx(0, view.FieldActive); parIt.HasMorePfx(); parIt.NextPfx() {
		pfx := parIt.Pfx()
		if visited[pfx] {
			continue
		}
		parCells, err := activeCells(parIt, parKeep, f)
		if err != nil {
			return 0, err
		}
		if len(parCells) == 0 {
			continue
		}
		ops := classifyCells(nil, parCells, stats)
		stats.RemovedPfx++
		if err := writeDiffPfx(w, pfx, ops); err != nil {
			return 0, err
		}
		pfxCnt++
	}

	return pfxCnt, WritePfxsEnd(w, pfxCnt)
}

func classifyCells(curCells, parCells map[uint16]uint32, stats *DiffStats) []diffCell {
	var ops []diffCell
	for peerID, idx := range curCells {
		parIdx, inPar := parCells[peerID]
		switch {
		case !inPar:
			ops = append(ops, diffCell{op: DiffOpAdd, peerID: peerID, pathIdx: idx})
			stats.AddedPfxPeer++
		case parIdx != idx:
			ops = append(ops, diffCell{op: DiffOpChange, peerID: peerID, pathIdx: idx})
			stats.ChangedPfxPeer++
		}
	}
	for peerID := range parCells {
		if _, inCur := curCells[peerID]; !inCur {
			ops = append(ops, diffCell{op: DiffOpRemove, peerID: peerID})
			stats.RemovedPfxPeer++
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].peerID < ops[j].peerID })
	return ops
}

// ReadDiffPfxs consumes the prefix section of a diff frame, mutating v (the
// retained parent view) in place. A change or remove citing a cell the view
// does not hold is corruption: the receiver has lost sync with the sender's
// parent and must await a fresh sync frame.
func (r *Reader) ReadDiffPfxs(v *view.View, f *ReadFilter, idmap *PeerIDMap, pathmap *PathIDMap) error {
	pfxRx := 0
	for {
		done, err := r.checkMagic(MagicPfxEnd)
		if err != nil {
			return err
		}
		if done {
			break
		}
		pfxRx++

		pfx, skip, err := r.readPfxHeader(f)
		if err != nil {
			return err
		}

		cellRx := 0
		for {
			cellDone, err := r.checkMagic(MagicPeerEnd)
			if err != nil {
				return err
			}
			if cellDone {
				break
			}
			op, err := r.readU8()
			if err != nil {
				return err
			}
			wirePeer, err := r.readU16()
			if err != nil {
				return err
			}
			wirePath, err := r.readU32()
			if err != nil {
				return err
			}
			cellRx++

			if skip {
				continue
			}
			switch op {
			case DiffOpAdd:
				if err := r.readCell(v, f, idmap, pathmap, pfx, wirePeer, wirePath, false); err != nil {
					return err
				}
			case DiffOpChange:
				localPeer, ok := idmap.Get(wirePeer)
				if !ok {
					if f != nil && f.Peer != nil {
						continue
					}
					return corruptf("diff change cites unmapped peer id %d", wirePeer)
				}
				if _, _, held := v.PfxPeer(pfx, localPeer); !held {
					return corruptf("diff change for missing parent cell (%s, %d)", pfx, localPeer)
				}
				if err := r.readCell(v, f, idmap, pathmap, pfx, wirePeer, wirePath, false); err != nil {
					return err
				}
			case DiffOpRemove:
				localPeer, ok := idmap.Get(wirePeer)
				if !ok {
					if f != nil && f.Peer != nil {
						continue
					}
					return corruptf("diff remove cites unmapped peer id %d", wirePeer)
				}
				if _, _, held := v.PfxPeer(pfx, localPeer); !held {
					return corruptf("diff remove for missing parent cell (%s, %d)", pfx, localPeer)
				}
				v.RemovePfxPeer(pfx, localPeer)
			default:
				return corruptf("invalid diff op %d", op)
			}
		}

		cnt, err := r.readU16()
		if err != nil {
			return err
		}
		if int(cnt) != cellRx {
			return corruptf("diff pfx-peer count mismatch: trailer %d, read %d", cnt, cellRx)
		}
	}

	cnt, err := r.readU32()
	if err != nil {
		return err
	}
	if int(cnt) != pfxRx {
		return corruptf("diff pfx count mismatch: trailer %d, read %d", cnt, pfxRx)
	}
	return nil
}
