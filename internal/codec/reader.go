package codec

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net/netip"

	"github.com/route-beacon/view-exchange/internal/store"
	"github.com/route-beacon/view-exchange/internal/view"
)

// Reader decodes framed views from a byte stream. Section magics are peeked,
// not blindly consumed: only a matching composite magic is advanced past, so
// a record loop can probe for its section trailer before parsing the next
// record.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 1<<16)}
}

// checkMagic peeks at the next 8 bytes and consumes them only when they are
// the composite magic for the given section.
func (r *Reader) checkMagic(section uint32) (bool, error) {
	buf, err := r.br.Peek(8)
	if err != nil {
		return false, corruptf("truncated stream while expecting section frame")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != ViewMagic ||
		binary.BigEndian.Uint32(buf[4:8]) != section {
		return false, nil
	}
	if _, err := r.br.Discard(8); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reader) expectMagic(section uint32) error {
	ok, err := r.checkMagic(section)
	if err != nil {
		return err
	}
	if !ok {
		return corruptf("magic mismatch: expected section %08x", section)
	}
	return nil
}

func (r *Reader) readU8() (uint8, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, corruptf("truncated stream")
	}
	return b, nil
}

func (r *Reader) readU16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, corruptf("truncated stream")
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (r *Reader) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, corruptf("truncated stream")
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (r *Reader) readIP() (netip.Addr, error) {
	n, err := r.readU8()
	if err != nil {
		return netip.Addr{}, err
	}
	switch n {
	case 4:
		var buf [4]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return netip.Addr{}, corruptf("truncated IPv4 address")
		}
		return netip.AddrFrom4(buf), nil
	case 16:
		var buf [16]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return netip.Addr{}, corruptf("truncated IPv6 address")
		}
		return netip.AddrFrom16(buf), nil
	default:
		return netip.Addr{}, corruptf("invalid IP length %d", n)
	}
}

// ReadStart consumes the view start frame and returns the view time.
func (r *Reader) ReadStart() (uint32, error) {
	if err := r.expectMagic(MagicStart); err != nil {
		return 0, err
	}
	return r.readU32()
}

// ReadEnd consumes the view end frame.
func (r *Reader) ReadEnd() error {
	return r.expectMagic(MagicViewEnd)
}

// ReadPeers consumes the peer section. Every record is parsed; records the
// filter drops are not inserted and stay unmapped in idmap. Kept peers are
// registered with the view's peer map, activated, and mapped wire id ->
// local id. Returns the local ids of the peers it inserted (every peer the
// section carried when no filter drops any), so a diff application can tell
// which retained peers the sender no longer reports.
func (r *Reader) ReadPeers(v *view.View, f *ReadFilter, idmap *PeerIDMap) ([]uint16, error) {
	peersRx := 0
	var inserted []uint16
	for i := 0; i <= math.MaxUint16; i++ {
		done, err := r.checkMagic(MagicPeerEnd)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}

		wireID, err := r.readU16()
		if err != nil {
			return nil, err
		}
		clen, err := r.readU8()
		if err != nil {
			return nil, err
		}
		collector := make([]byte, clen)
		if _, err := io.ReadFull(r.br, collector); err != nil {
			return nil, corruptf("truncated collector name")
		}
		addr, err := r.readIP()
		if err != nil {
			return nil, err
		}
		asn, err := r.readU32()
		if err != nil {
			return nil, err
		}
		peersRx++

		sig := store.PeerSig{Collector: string(collector), Addr: addr, ASN: asn}
		if f != nil && f.Peer != nil {
			keep, err := f.Peer(sig)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}

		localID, err := v.AddPeer(sig)
		if err != nil {
			return nil, err
		}
		if err := v.ActivatePeer(localID); err != nil {
			return nil, err
		}
		idmap.Set(wireID, localID)
		inserted = append(inserted, localID)
	}

	cnt, err := r.readU16()
	if err != nil {
		return nil, err
	}
	if int(cnt) != peersRx {
		return nil, corruptf("peer count mismatch: trailer %d, read %d", cnt, peersRx)
	}
	return inserted, nil
}

// ReadPaths consumes the path section, interning every path into ps and
// mapping wire index -> local index.
func (r *Reader) ReadPaths(ps *store.PathStore, pathmap *PathIDMap) error {
	pathsRx := 0
	for {
		done, err := r.checkMagic(MagicPathEnd)
		if err != nil {
			return err
		}
		if done {
			break
		}

		wireIdx, err := r.readU32()
		if err != nil {
			return err
		}
		isCore, err := r.readU8()
		if err != nil {
			return err
		}
		plen, err := r.readU16()
		if err != nil {
			return err
		}
		data := make([]byte, plen)
		if _, err := io.ReadFull(r.br, data); err != nil {
			return corruptf("truncated path data")
		}
		pathsRx++

		localIdx, _, err := ps.Intern(data, isCore != 0)
		if err != nil {
			return err
		}
		pathmap.Set(wireIdx, localIdx)
	}

	cnt, err := r.readU32()
	if err != nil {
		return err
	}
	if int(cnt) != pathsRx {
		return corruptf("path count mismatch: trailer %d, read %d", cnt, pathsRx)
	}
	return nil
}

// readCell translates and inserts one pfx-peer cell whose record the caller
// has already consumed. skip suppresses the insert.
func (r *Reader) readCell(v *view.View, f *ReadFilter, idmap *PeerIDMap, pathmap *PathIDMap, pfx netip.Prefix, wirePeer uint16, wirePath uint32, skip bool) error {
	if skip {
		return nil
	}
	localPath, ok := pathmap.Get(wirePath)
	if !ok {
		return corruptf("pfx-peer cites unknown path index %d", wirePath)
	}
	localPeer, ok := idmap.Get(wirePeer)
	if !ok {
		// With a peer filter installed, cells of dropped peers are
		// expected; without one, an unmapped id is corruption.
		if f != nil && f.Peer != nil {
			return nil
		}
		return corruptf("pfx-peer cites unmapped peer id %d", wirePeer)
	}
	if f != nil && f.PfxPeer != nil {
		path, _ := v.PathStore().Get(localPath)
		keep, err := f.PfxPeer(path)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	if err := v.AddPfxPeer(pfx, localPeer, localPath); err != nil {
		return err
	}
	return v.ActivatePfxPeer(pfx, localPeer)
}

// ReadPfxs consumes the prefix section of a sync frame.
func (r *Reader) ReadPfxs(v *view.View, f *ReadFilter, idmap *PeerIDMap, pathmap *PathIDMap) error {
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
			wirePeer, err := r.readU16()
			if err != nil {
				return err
			}
			wirePath, err := r.readU32()
			if err != nil {
				return err
			}
			cellRx++
			if err := r.readCell(v, f, idmap, pathmap, pfx, wirePeer, wirePath, skip); err != nil {
				return err
			}
		}

		cnt, err := r.readU16()
		if err != nil {
			return err
		}
		if int(cnt) != cellRx {
			return corruptf("pfx-peer count mismatch: trailer %d, read %d", cnt, cellRx)
		}
	}

	cnt, err := r.readU32()
	if err != nil {
		return err
	}
	if int(cnt) != pfxRx {
		return corruptf("pfx count mismatch: trailer %d, read %d", cnt, pfxRx)
	}
	return nil
}

func (r *Reader) readPfxHeader(f *ReadFilter) (netip.Prefix, bool, error) {
	addr, err := r.readIP()
	if err != nil {
		return netip.Prefix{}, false, err
	}
	maskLen, err := r.readU8()
	if err != nil {
		return netip.Prefix{}, false, err
	}
	if int(maskLen) > addr.BitLen() {
		return netip.Prefix{}, false, corruptf("invalid mask length %d for %s", maskLen, addr)
	}
	pfx := netip.PrefixFrom(addr, int(maskLen)).Masked()

	skip := false
	if f != nil && f.Pfx != nil {
		keep, err := f.Pfx(pfx)
		if err != nil {
			return netip.Prefix{}, false, err
		}
		skip = !keep
	}
	return pfx, skip, nil
}

// ReadView consumes one complete sync frame into v, clearing it first. At a
// clean boundary between views it returns io.EOF; a truncation inside a view
// surfaces as ErrCorruption.
func (r *Reader) ReadView(v *view.View, f *ReadFilter) error {
	if _, err := r.br.Peek(1); err == io.EOF {
		return io.EOF
	}

	t, err := r.ReadStart()
	if err != nil {
		return err
	}
	v.Clear()
	v.SetTime(t)

	var idmap PeerIDMap
	var pathmap PathIDMap
	if _, err := r.ReadPeers(v, f, &idmap); err != nil {
		return err
	}
	if err := r.ReadPaths(v.PathStore(), &pathmap); err != nil {
		return err
	}
	if err := r.ReadPfxs(v, f, &idmap, &pathmap); err != nil {
		return err
	}
	return r.ReadEnd()
}
