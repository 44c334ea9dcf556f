package kafka

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/route-beacon/view-exchange/internal/codec"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
)

// WorkerState tracks one reassembly pipeline.
type WorkerState int

const (
	StateBootstrap WorkerState = iota
	StateAwaitingSync
	StateStreaming
	StateDraining
)

func (s WorkerState) String() string {
	switch s {
	case StateBootstrap:
		return "bootstrap"
	case StateAwaitingSync:
		return "awaiting_sync"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ViewHandler receives a completed view. The view is borrowed: it belongs
// to the pipeline again as soon as the handler returns, so a handler that
// needs the data longer must copy it. A handler error tears the pipeline
// down.
type ViewHandler func(v *view.View) error

// pendingView buffers the frames of one in-flight view time until the
// prelude and every pfx chunk have arrived.
type pendingView struct {
	time     uint32
	kind     byte
	parent   uint32
	prelude  []byte
	havePre  bool
	chunks   map[uint32][]byte
	lastSeq  uint32
	haveLast bool
}

func (pv *pendingView) complete() bool {
	if !pv.havePre || !pv.haveLast {
		return false
	}
	for seq := uint32(0); seq <= pv.lastSeq; seq++ {
		if _, ok := pv.chunks[seq]; !ok {
			return false
		}
	}
	return true
}

// assembler reassembles one producer identity's frames into views. It owns
// the retained view (the consumer-side parent for diffs) and the id
// translation maps. Sync frames rebuild everything; diff frames mutate the
// retained view in place. Any corruption, gap or count mismatch discards
// the in-flight view and reverts to awaiting a sync.
type assembler struct {
	identity string
	handler  ViewHandler
	logger   *zap.Logger

	st      WorkerState
	v       *view.View
	idmap   codec.PeerIDMap
	pathmap codec.PathIDMap

	lastDelivered uint32
	cur           *pendingView
}

func newAssembler(identity string, handler ViewHandler, logger *zap.Logger) *assembler {
	a := &assembler{
		identity: identity,
		handler:  handler,
		logger:   logger,
		v:        view.New(),
	}
	a.setState(StateBootstrap)
	a.setState(StateAwaitingSync)
	return a
}

func (a *assembler) setState(st WorkerState) {
	a.st = st
	metrics.ConsumerState.WithLabelValues(a.identity).Set(float64(st))
}

func (a *assembler) discard(reason string) {
	a.cur = nil
	metrics.ViewsDiscardedTotal.WithLabelValues(a.identity, reason).Inc()
}

// ingest feeds one frame (prelude from the peers topic, or a pfx chunk)
// into the in-flight view. When the view completes it is decoded and, on
// success, handed to the handler.
func (a *assembler) ingest(isPrelude bool, fi frameInfo, value []byte) error {
	if a.st == StateDraining {
		return nil
	}
	if a.lastDelivered != 0 && fi.time <= a.lastDelivered {
		// Stale or duplicated frame from an already delivered view.
		return nil
	}

	if a.cur != nil && fi.time != a.cur.time {
		if fi.time < a.cur.time {
			return nil
		}
		// A newer view started before the old one completed: the old one
		// can never complete now.
		a.logger.Warn("in-flight view superseded",
			zap.Uint32("old_time", a.cur.time), zap.Uint32("new_time", fi.time))
		a.discard("superseded")
	}
	if a.cur == nil {
		a.cur = &pendingView{
			time:   fi.time,
			kind:   fi.kind,
			parent: fi.parent,
			chunks: make(map[uint32][]byte),
		}
	}
	if fi.kind != a.cur.kind {
		a.logger.Warn("frame kind flip within one view time", zap.Uint32("view_time", fi.time))
		a.discard("kind_mismatch")
		a.setState(StateAwaitingSync)
		return nil
	}

	if isPrelude {
		a.cur.prelude = value
		a.cur.havePre = true
	} else {
		a.cur.chunks[fi.seq] = value
		if fi.last {
			a.cur.lastSeq = fi.seq
			a.cur.haveLast = true
		}
	}

	if !a.cur.complete() {
		return nil
	}
	return a.assemble()
}

func (a *assembler) assemble() error {
	pv := a.cur
	a.cur = nil

	if pv.kind == KindDiff {
		if a.st != StateStreaming {
			metrics.ViewsDiscardedTotal.WithLabelValues(a.identity, "diff_while_awaiting_sync").Inc()
			return nil
		}
		if pv.parent != a.v.Time() {
			a.logger.Warn("diff parent gap, awaiting sync",
				zap.Uint32("want_parent", pv.parent), zap.Uint32("held", a.v.Time()))
			metrics.ViewsDiscardedTotal.WithLabelValues(a.identity, "gap").Inc()
			a.setState(StateAwaitingSync)
			return nil
		}
	}

	readers := make([]io.Reader, 0, 1+len(pv.chunks))
	readers = append(readers, bytes.NewReader(pv.prelude))
	for seq := uint32(0); seq <= pv.lastSeq; seq++ {
		readers = append(readers, bytes.NewReader(pv.chunks[seq]))
	}
	r := codec.NewReader(io.MultiReader(readers...))

	var err error
	if pv.kind == KindSync {
		err = a.applySync(r, pv)
	} else {
		err = a.applyDiff(r, pv)
	}
	if err != nil {
		if errors.Is(err, codec.ErrCorruption) {
			a.logger.Warn("corrupt view discarded",
				zap.Uint32("view_time", pv.time), zap.Error(err))
			metrics.ViewsDiscardedTotal.WithLabelValues(a.identity, "corruption").Inc()
			// The retained view may be half-mutated; nothing short of a
			// fresh sync can repair it.
			a.v.Clear()
			a.setState(StateAwaitingSync)
			return nil
		}
		return err
	}

	kindLabel := "sync"
	if pv.kind == KindDiff {
		kindLabel = "diff"
	}
	metrics.ViewsAssembledTotal.WithLabelValues(a.identity, kindLabel).Inc()
	a.setState(StateStreaming)
	a.lastDelivered = pv.time

	if a.handler != nil {
		if err := a.handler(a.v); err != nil {
			return fmt.Errorf("kafka: view handler: %w", err)
		}
	}
	return nil
}

// applySync rebuilds the retained view and both id maps from scratch.
func (a *assembler) applySync(r *codec.Reader, pv *pendingView) error {
	t, err := r.ReadStart()
	if err != nil {
		return err
	}
	if t != pv.time {
		return fmt.Errorf("%w: frame time %d disagrees with header %d", codec.ErrCorruption, t, pv.time)
	}

	a.v.Clear()
	a.v.SetTime(t)
	a.idmap.Reset()
	a.pathmap.Reset()

	if _, err := r.ReadPeers(a.v, nil, &a.idmap); err != nil {
		return err
	}
	if err := r.ReadPaths(a.v.PathStore(), &a.pathmap); err != nil {
		return err
	}
	if err := r.ReadPfxs(a.v, nil, &a.idmap, &a.pathmap); err != nil {
		return err
	}
	return r.ReadEnd()
}

// applyDiff extends the id maps from the diff's prelude and patches the
// retained view in place. The prelude's peer section carries the sender's
// full active roster, so any retained peer missing from it has gone
// inactive on the producer and is deactivated here; without this, a peer
// that drops out between generations would stay active forever and break
// diff + parent = view.
func (a *assembler) applyDiff(r *codec.Reader, pv *pendingView) error {
	t, err := r.ReadStart()
	if err != nil {
		return err
	}
	if t != pv.time {
		return fmt.Errorf("%w: frame time %d disagrees with header %d", codec.ErrCorruption, t, pv.time)
	}

	present, err := r.ReadPeers(a.v, nil, &a.idmap)
	if err != nil {
		return err
	}
	if err := r.ReadPaths(a.v.PathStore(), &a.pathmap); err != nil {
		return err
	}
	if err := r.ReadDiffPfxs(a.v, nil, &a.idmap, &a.pathmap); err != nil {
		return err
	}
	if err := r.ReadEnd(); err != nil {
		return err
	}

	onWire := make(map[uint16]bool, len(present))
	for _, id := range present {
		onWire[id] = true
	}
	it := a.v.Iter()
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		if onWire[it.PeerID()] {
			continue
		}
		if err := a.v.DeactivatePeer(it.PeerID()); err != nil {
			return err
		}
	}

	a.v.SetTime(t)
	return nil
}

func (a *assembler) drain() {
	a.setState(StateDraining)
	a.cur = nil
}
