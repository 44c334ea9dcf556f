package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/route-beacon/view-exchange/internal/store"
	"github.com/route-beacon/view-exchange/internal/view"
)

// All multi-byte scalars on the wire are network byte order, including the
// path index and path length. Path payload bytes are opaque and written
// verbatim.

func writeMagic(w io.Writer, section uint32) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], ViewMagic)
	binary.BigEndian.PutUint32(buf[4:8], section)
	_, err := w.Write(buf[:])
	return err
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeIP(w io.Writer, addr netip.Addr) error {
	if addr.Is4() {
		b := addr.As4()
		if err := writeU8(w, 4); err != nil {
			return err
		}
		_, err := w.Write(b[:])
		return err
	}
	b := addr.As16()
	if err := writeU8(w, 16); err != nil {
		return err
	}
	_, err := w.Write(b[:])
	return err
}

// WriteStart emits the view start magic and the view time.
func WriteStart(w io.Writer, time uint32) error {
	if err := writeMagic(w, MagicStart); err != nil {
		return err
	}
	return writeU32(w, time)
}

// WriteEnd emits the view end magic.
func WriteEnd(w io.Writer) error {
	return writeMagic(w, MagicViewEnd)
}

// WritePeers emits the active peers of the view passing the filter, then the
// peer-end magic and the peer count.
func WritePeers(w io.Writer, it *view.Iter, f *WriteFilter) (int, error) {
	peersTx := 0
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		if f != nil && f.Peer != nil {
			keep, err := f.Peer(it)
			if err != nil {
				return 0, fmt.Errorf("codec: peer filter: %w", err)
			}
			if !keep {
				continue
			}
		}
		sig := it.PeerSig()
		if err := writeU16(w, it.PeerID()); err != nil {
			return 0, err
		}
		if err := writeU8(w, uint8(len(sig.Collector))); err != nil {
			return 0, err
		}
		if _, err := io.WriteString(w, sig.Collector); err != nil {
			return 0, err
		}
		if err := writeIP(w, sig.Addr); err != nil {
			return 0, err
		}
		if err := writeU32(w, sig.ASN); err != nil {
			return 0, err
		}
		peersTx++
	}
	if err := writeMagic(w, MagicPeerEnd); err != nil {
		return 0, err
	}
	return peersTx, writeU16(w, uint16(peersTx))
}

// WritePaths emits every path in the store, then the path-end magic and the
// path count.
func WritePaths(w io.Writer, ps *store.PathStore) (int, error) {
	pathsTx := 0
	for p := range ps.All() {
		if err := writeU32(w, p.Idx); err != nil {
			return 0, err
		}
		isCore := uint8(0)
		if p.IsCore {
			isCore = 1
		}
		if err := writeU8(w, isCore); err != nil {
			return 0, err
		}
		if err := writeU16(w, uint16(len(p.Data))); err != nil {
			return 0, err
		}
		if _, err := w.Write(p.Data); err != nil {
			return 0, err
		}
		pathsTx++
	}
	if err := writeMagic(w, MagicPathEnd); err != nil {
		return 0, err
	}
	return pathsTx, writeU32(w, uint32(pathsTx))
}

func writePfxHeader(w io.Writer, pfx netip.Prefix) error {
	if err := writeIP(w, pfx.Addr()); err != nil {
		return err
	}
	return writeU8(w, uint8(pfx.Bits()))
}

// writeSyncCells serializes the active cells of the current prefix into buf.
func writeSyncCells(buf *bytes.Buffer, it *view.Iter, f *WriteFilter) (int, error) {
	cells := 0
	for it.FirstPfxPeer(view.FieldActive); it.HasMorePfxPeer(); it.NextPfxPeer() {
		if f != nil && f.PfxPeer != nil {
			keep, err := f.PfxPeer(it)
			if err != nil {
				return 0, fmt.Errorf("codec: pfx-peer filter: %w", err)
			}
			if !keep {
				continue
			}
		}
		if err := writeU16(buf, it.PfxPeerID()); err != nil {
			return 0, err
		}
		if err := writeU32(buf, it.PfxPeerPathIdx()); err != nil {
			return 0, err
		}
		cells++
	}
	return cells, nil
}

// WritePfx emits one prefix record with its surviving cells. Returns false
// without emitting anything when every cell was filtered out.
func WritePfx(w io.Writer, it *view.Iter, f *WriteFilter) (bool, error) {
	var buf bytes.Buffer
	cells, err := writeSyncCells(&buf, it, f)
	if err != nil {
		return false, err
	}
	if cells == 0 {
		return false, nil
	}
	if err := writePfxHeader(w, it.Pfx()); err != nil {
		return false, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return false, err
	}
	if err := writeMagic(w, MagicPeerEnd); err != nil {
		return false, err
	}
	return true, writeU16(w, uint16(cells))
}

// WritePfxsEnd emits the pfx-end magic and the prefix count.
func WritePfxsEnd(w io.Writer, pfxCnt int) error {
	if err := writeMagic(w, MagicPfxEnd); err != nil {
		return err
	}
	return writeU32(w, uint32(pfxCnt))
}

// WritePfxs emits every active prefix passing the filter, then the pfx-end
// trailer.
func WritePfxs(w io.Writer, it *view.Iter, f *WriteFilter) (int, error) {
	pfxCnt := 0
	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		if f != nil && f.Pfx != nil {
			keep, err := f.Pfx(it)
			if err != nil {
				return 0, fmt.Errorf("codec: pfx filter: %w", err)
			}
			if !keep {
				continue
			}
		}
		sent, err := WritePfx(w, it, f)
		if err != nil {
			return 0, err
		}
		if sent {
			pfxCnt++
		}
	}
	return pfxCnt, WritePfxsEnd(w, pfxCnt)
}

// WriteView emits one complete sync frame: start magic, time, peers, paths,
// prefixes, end magic.
func WriteView(w io.Writer, v *view.View, f *WriteFilter) error {
	it := v.Iter()
	if err := WriteStart(w, v.Time()); err != nil {
		return err
	}
	if _, err := WritePeers(w, it, f); err != nil {
		return err
	}
	if _, err := WritePaths(w, v.PathStore()); err != nil {
		return err
	}
	if _, err := WritePfxs(w, it, f); err != nil {
		return err
	}
	return WriteEnd(w)
}
