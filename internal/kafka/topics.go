// Package kafka carries views over a Kafka bus: a producer that emits sync
// and diff frames across per-identity topics, a direct consumer that
// reassembles one producer's views, and a global consumer that discovers
// producers through a members topic and merges their aligned views.
package kafka

import (
	"encoding/binary"
	"fmt"

	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicSet holds the composed topic names for one namespace and identity.
type TopicSet struct {
	Pfxs       string
	Peers      string
	Meta       string
	Members    string
	GlobalMeta string
}

// Topics composes the topic names: <ns>.<identity>.{pfxs,peers,meta},
// <ns>.members and <ns>.globalmeta[.<channel>]. Identity may be empty for a
// global consumer, which never uses the per-identity names.
func Topics(namespace, identity, channel string) (TopicSet, error) {
	ts := TopicSet{
		Members:    namespace + ".members",
		GlobalMeta: namespace + ".globalmeta",
	}
	if channel != "" {
		ts.GlobalMeta += "." + channel
	}
	if identity != "" {
		ts.Pfxs = namespace + "." + identity + ".pfxs"
		ts.Peers = namespace + "." + identity + ".peers"
		ts.Meta = namespace + "." + identity + ".meta"
	}
	for _, name := range []string{ts.Pfxs, ts.Peers, ts.Meta, ts.Members, ts.GlobalMeta} {
		if len(name) > config.IdentityMaxLen {
			return TopicSet{}, fmt.Errorf("kafka: topic name %q exceeds %d bytes", name, config.IdentityMaxLen)
		}
	}
	return ts, nil
}

// Frame kinds, carried in the "kind" record header.
const (
	KindSync byte = 'S'
	KindDiff byte = 'D'
)

// Record header keys. Every frame carries the view time so consumers can
// buffer pfx chunks that arrive ahead of their peer/path prelude.
const (
	hdrTime   = "time"
	hdrKind   = "kind"
	hdrParent = "parent"
	hdrSeq    = "seq"
	hdrLast   = "last"
)

func u32Header(key string, v uint32) kgo.RecordHeader {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return kgo.RecordHeader{Key: key, Value: b[:]}
}

func frameHeaders(time uint32, kind byte, parent, seq uint32, last bool) []kgo.RecordHeader {
	hs := []kgo.RecordHeader{
		u32Header(hdrTime, time),
		{Key: hdrKind, Value: []byte{kind}},
		u32Header(hdrParent, parent),
		u32Header(hdrSeq, seq),
	}
	if last {
		hs = append(hs, kgo.RecordHeader{Key: hdrLast, Value: []byte{1}})
	}
	return hs
}

type frameInfo struct {
	time   uint32
	kind   byte
	parent uint32
	seq    uint32
	last   bool
}

func parseFrameHeaders(rec *kgo.Record) (frameInfo, error) {
	var fi frameInfo
	var haveTime, haveKind bool
	for _, h := range rec.Headers {
		switch h.Key {
		case hdrTime:
			if len(h.Value) != 4 {
				return fi, fmt.Errorf("kafka: malformed time header")
			}
			fi.time = binary.BigEndian.Uint32(h.Value)
			haveTime = true
		case hdrKind:
			if len(h.Value) != 1 {
				return fi, fmt.Errorf("kafka: malformed kind header")
			}
			fi.kind = h.Value[0]
			haveKind = true
		case hdrParent:
			if len(h.Value) == 4 {
				fi.parent = binary.BigEndian.Uint32(h.Value)
			}
		case hdrSeq:
			if len(h.Value) == 4 {
				fi.seq = binary.BigEndian.Uint32(h.Value)
			}
		case hdrLast:
			fi.last = len(h.Value) == 1 && h.Value[0] == 1
		}
	}
	if !haveTime || !haveKind {
		return fi, fmt.Errorf("kafka: frame missing time/kind headers")
	}
	if fi.kind != KindSync && fi.kind != KindDiff {
		return fi, fmt.Errorf("kafka: unknown frame kind %q", fi.kind)
	}
	return fi, nil
}

// MetaFrame is the per-view summary published on the meta topic and mirrored
// onto globalmeta for coordinator alignment.
type MetaFrame struct {
	Identity   string
	Time       uint32
	Kind       byte
	ParentTime uint32
	PeerCnt    uint16
	PfxCnt     uint32
	PfxMsgCnt  uint32
}

func (m *MetaFrame) Encode() []byte {
	buf := make([]byte, 0, 1+len(m.Identity)+4+1+4+2+4+4)
	buf = append(buf, uint8(len(m.Identity)))
	buf = append(buf, m.Identity...)
	buf = binary.BigEndian.AppendUint32(buf, m.Time)
	buf = append(buf, m.Kind)
	buf = binary.BigEndian.AppendUint32(buf, m.ParentTime)
	buf = binary.BigEndian.AppendUint16(buf, m.PeerCnt)
	buf = binary.BigEndian.AppendUint32(buf, m.PfxCnt)
	buf = binary.BigEndian.AppendUint32(buf, m.PfxMsgCnt)
	return buf
}

func DecodeMetaFrame(b []byte) (*MetaFrame, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("kafka: meta frame too short")
	}
	idLen := int(b[0])
	if len(b) < 1+idLen+4+1+4+2+4+4 {
		return nil, fmt.Errorf("kafka: meta frame too short (%d bytes)", len(b))
	}
	m := &MetaFrame{Identity: string(b[1 : 1+idLen])}
	off := 1 + idLen
	m.Time = binary.BigEndian.Uint32(b[off : off+4])
	m.Kind = b[off+4]
	m.ParentTime = binary.BigEndian.Uint32(b[off+5 : off+9])
	m.PeerCnt = binary.BigEndian.Uint16(b[off+9 : off+11])
	m.PfxCnt = binary.BigEndian.Uint32(b[off+11 : off+15])
	m.PfxMsgCnt = binary.BigEndian.Uint32(b[off+15 : off+19])
	if m.Kind != KindSync && m.Kind != KindDiff {
		return nil, fmt.Errorf("kafka: meta frame with unknown kind %q", m.Kind)
	}
	return m, nil
}

// MemberFrame is the members-topic heartbeat. A frame with both timestamps
// zero is the shutdown tombstone.
type MemberFrame struct {
	Identity  string
	Channel   string
	FirstSeen uint32
	LastSeen  uint32
}

// Tombstone reports whether this heartbeat announces a producer going away.
func (m *MemberFrame) Tombstone() bool {
	return m.FirstSeen == 0 && m.LastSeen == 0
}

func (m *MemberFrame) Encode() []byte {
	buf := make([]byte, 0, 2+len(m.Identity)+len(m.Channel)+8)
	buf = append(buf, uint8(len(m.Identity)))
	buf = append(buf, m.Identity...)
	buf = append(buf, uint8(len(m.Channel)))
	buf = append(buf, m.Channel...)
	buf = binary.BigEndian.AppendUint32(buf, m.FirstSeen)
	buf = binary.BigEndian.AppendUint32(buf, m.LastSeen)
	return buf
}

func DecodeMemberFrame(b []byte) (*MemberFrame, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("kafka: member frame too short")
	}
	idLen := int(b[0])
	if len(b) < 1+idLen+1 {
		return nil, fmt.Errorf("kafka: member frame too short (%d bytes)", len(b))
	}
	m := &MemberFrame{Identity: string(b[1 : 1+idLen])}
	off := 1 + idLen
	chLen := int(b[off])
	off++
	if len(b) < off+chLen+8 {
		return nil, fmt.Errorf("kafka: member frame too short (%d bytes)", len(b))
	}
	m.Channel = string(b[off : off+chLen])
	off += chLen
	m.FirstSeen = binary.BigEndian.Uint32(b[off : off+4])
	m.LastSeen = binary.BigEndian.Uint32(b[off+4 : off+8])
	return m, nil
}
