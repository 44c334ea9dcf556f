package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Bounded drain at shutdown: 12 waits of 5s each before forcible teardown.
const (
	drainWaitStep  = 5 * time.Second
	drainWaitSteps = 12
)

// livenessFactor times the heartbeat interval is the window after which a
// silent producer's worker is reaped.
const livenessFactor = 3

type gcWorker struct {
	identity string
	dc       *DirectConsumer
	cancel   context.CancelFunc
	done     chan struct{}

	// guarded by GlobalConsumer.mu
	lastSeen   time.Time
	latestTime uint32
	latest     *view.View
}

type completion struct {
	identity string
	v        *view.View
}

// GlobalConsumer discovers producers on the members topic, runs one
// reassembly worker per identity, and emits a merged composite view
// downstream whenever every live worker has completed the same view time.
type GlobalConsumer struct {
	cfg     *config.Config
	handler ViewHandler
	logger  *zap.Logger

	client *kgo.Client
	topics TopicSet

	mu      sync.Mutex
	workers map[string]*gcWorker

	completions chan completion
	lastEmitted uint32
	hbInterval  time.Duration
	ready       atomic.Bool
}

// NewGlobalConsumer subscribes to the members and globalmeta topics. The
// handler receives composite views built from all live producers; the views
// are owned by the handler's caller only for the duration of the call.
func NewGlobalConsumer(cfg *config.Config, handler ViewHandler, logger *zap.Logger) (*GlobalConsumer, error) {
	topics, err := Topics(cfg.Exchange.Namespace, "", cfg.Exchange.Channel)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID + "-global"),
		kgo.ConsumeTopics(topics.Members, topics.GlobalMeta),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.Kafka.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: global consumer client: %w", err)
	}

	return &GlobalConsumer{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		client:      client,
		topics:      topics,
		workers:     make(map[string]*gcWorker),
		completions: make(chan completion, 16),
		hbInterval:  time.Duration(cfg.Exchange.HeartbeatIntervalSeconds) * time.Second,
	}, nil
}

// Run is the coordinator loop. It returns after a cooperative shutdown
// (context cancel) or on a fatal error.
func (g *GlobalConsumer) Run(ctx context.Context) error {
	memberRecs := make(chan *kgo.Record, 64)
	pollDone := make(chan error, 1)
	go func() {
		pollDone <- g.pollLoop(ctx, memberRecs)
	}()

	ticker := time.NewTicker(g.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.shutdownWorkers()
			<-pollDone
			return nil
		case err := <-pollDone:
			g.shutdownWorkers()
			return err
		case rec := <-memberRecs:
			g.handleRecord(ctx, rec)
		case comp := <-g.completions:
			g.recordCompletion(comp)
			g.tryEmit()
		case <-ticker.C:
			g.reapSilent()
		}
	}
}

func (g *GlobalConsumer) pollLoop(ctx context.Context, out chan<- *kgo.Record) error {
	for {
		fetches := g.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			cerr := classify(fe.Err)
			g.logger.Error("membership fetch error", zap.String("topic", fe.Topic), zap.Error(fe.Err))
			if !errors.Is(cerr, ErrTransient) {
				return cerr
			}
		}
		for _, rec := range fetches.Records() {
			select {
			case out <- rec:
			case <-ctx.Done():
				return nil
			}
		}
		g.ready.Store(true)
	}
}

// IsReady reports whether the coordinator has completed at least one
// membership poll.
func (g *GlobalConsumer) IsReady() bool {
	return g.ready.Load()
}

func (g *GlobalConsumer) handleRecord(ctx context.Context, rec *kgo.Record) {
	switch rec.Topic {
	case g.topics.Members:
		mf, err := DecodeMemberFrame(rec.Value)
		if err != nil {
			g.logger.Warn("bad member frame dropped", zap.Error(err))
			return
		}
		if g.cfg.Exchange.Channel != "" && mf.Channel != g.cfg.Exchange.Channel {
			return
		}
		if mf.Tombstone() {
			g.stopWorker(mf.Identity)
			return
		}
		g.touchWorker(ctx, mf.Identity)
	case g.topics.GlobalMeta:
		meta, err := DecodeMetaFrame(rec.Value)
		if err != nil {
			g.logger.Warn("bad globalmeta frame dropped", zap.Error(err))
			return
		}
		// A producer actively summarizing views counts as alive even when
		// a heartbeat was lost.
		g.touchWorker(ctx, meta.Identity)
	}
}

// touchWorker refreshes liveness, spawning the identity's worker on first
// sight.
func (g *GlobalConsumer) touchWorker(ctx context.Context, identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.workers[identity]; ok {
		w.lastSeen = time.Now()
		return
	}

	handler := func(v *view.View) error {
		snap := view.New()
		if err := mergeView(snap, v); err != nil {
			return err
		}
		select {
		case g.completions <- completion{identity: identity, v: snap}:
		case <-ctx.Done():
		}
		return nil
	}

	dc, err := NewDirectConsumer(g.cfg, identity, handler, g.logger.Named("worker."+identity))
	if err != nil {
		g.logger.Error("worker start failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &gcWorker{
		identity: identity,
		dc:       dc,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
	g.workers[identity] = w
	metrics.GlobalWorkers.Set(float64(len(g.workers)))
	g.logger.Info("worker started", zap.String("identity", identity))

	go func() {
		defer close(w.done)
		if err := dc.Run(wctx); err != nil {
			g.logger.Error("worker failed", zap.String("identity", identity), zap.Error(err))
		}
		dc.Close()
	}()
}

func (g *GlobalConsumer) stopWorker(identity string) {
	g.mu.Lock()
	w, ok := g.workers[identity]
	if ok {
		delete(g.workers, identity)
		metrics.GlobalWorkers.Set(float64(len(g.workers)))
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	g.logger.Info("worker stopping", zap.String("identity", identity))
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(drainWaitStep):
		g.logger.Warn("worker slow to drain", zap.String("identity", identity))
	}
}

func (g *GlobalConsumer) reapSilent() {
	window := livenessFactor * g.hbInterval
	g.mu.Lock()
	var silent []string
	for id, w := range g.workers {
		if time.Since(w.lastSeen) > window {
			silent = append(silent, id)
		}
	}
	g.mu.Unlock()
	for _, id := range silent {
		g.logger.Info("producer silent beyond liveness window", zap.String("identity", id))
		g.stopWorker(id)
	}
}

func (g *GlobalConsumer) recordCompletion(comp completion) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[comp.identity]
	if !ok {
		return
	}
	w.latestTime = comp.v.Time()
	w.latest = comp.v
}

// tryEmit merges and emits when every live worker has completed the same
// view time.
func (g *GlobalConsumer) tryEmit() {
	g.mu.Lock()
	var alignedTime uint32
	views := make([]*view.View, 0, len(g.workers))
	for _, w := range g.workers {
		if w.latestTime == 0 {
			g.mu.Unlock()
			return
		}
		if alignedTime == 0 {
			alignedTime = w.latestTime
		}
		if w.latestTime != alignedTime {
			g.mu.Unlock()
			return
		}
		views = append(views, w.latest)
	}
	g.mu.Unlock()

	if len(views) == 0 || alignedTime <= g.lastEmitted {
		return
	}

	composite := view.New()
	composite.SetTime(alignedTime)
	for _, v := range views {
		if err := mergeView(composite, v); err != nil {
			g.logger.Error("composite merge failed", zap.Error(err))
			return
		}
	}

	if g.handler != nil {
		if err := g.handler(composite); err != nil {
			g.logger.Error("composite handler failed", zap.Error(err))
			return
		}
	}
	g.lastEmitted = alignedTime
	g.logger.Info("composite view emitted",
		zap.Uint32("view_time", alignedTime),
		zap.Int("producers", len(views)),
	)
}

func (g *GlobalConsumer) shutdownWorkers() {
	g.mu.Lock()
	ws := make([]*gcWorker, 0, len(g.workers))
	for _, w := range g.workers {
		ws = append(ws, w)
	}
	g.workers = make(map[string]*gcWorker)
	metrics.GlobalWorkers.Set(0)
	g.mu.Unlock()

	for _, w := range ws {
		w.cancel()
	}
	deadline := time.After(drainWaitSteps * drainWaitStep)
	for _, w := range ws {
		select {
		case <-w.done:
		case <-deadline:
			g.logger.Warn("forcible teardown, worker did not drain", zap.String("identity", w.identity))
		}
	}
}

func (g *GlobalConsumer) Close() {
	g.client.Close()
}

// mergeView folds src's active peers, paths and cells into dst, re-interning
// everything through dst's own stores. src is only read.
func mergeView(dst, src *view.View) error {
	if dst.Time() == 0 {
		dst.SetTime(src.Time())
	}

	idmap := make(map[uint16]uint16)
	it := src.Iter()
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		localID, err := dst.AddPeer(it.PeerSig())
		if err != nil {
			return err
		}
		if err := dst.ActivatePeer(localID); err != nil {
			return err
		}
		idmap[it.PeerID()] = localID
	}

	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		pfx := it.Pfx()
		for it.FirstPfxPeer(view.FieldActive); it.HasMorePfxPeer(); it.NextPfxPeer() {
			path, ok := it.PfxPeerPath()
			if !ok {
				return fmt.Errorf("kafka: merge: unresolvable path idx %d", it.PfxPeerPathIdx())
			}
			localIdx, _, err := dst.PathStore().Intern(path.Data, path.IsCore)
			if err != nil {
				return err
			}
			localID, ok := idmap[it.PfxPeerID()]
			if !ok {
				return fmt.Errorf("kafka: merge: cell under unmapped peer %d", it.PfxPeerID())
			}
			if err := dst.AddPfxPeer(pfx, localID, localIdx); err != nil {
				return err
			}
			if err := dst.ActivatePfxPeer(pfx, localID); err != nil {
				return err
			}
		}
	}
	return nil
}
