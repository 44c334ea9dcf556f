package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/route-beacon/view-exchange/internal/codec"
	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer emits one producer identity's views onto the bus. Views must be
// handed to Send in non-decreasing time order; concurrent Send calls are
// not supported.
type Producer struct {
	client   *kgo.Client
	topics   TopicSet
	identity string
	channel  string

	syncInterval uint32
	chunkSize    int
	filter       *codec.WriteFilter
	logger       *zap.Logger

	parent    *view.View
	sawSync   bool
	lastTime  uint32
	connected bool
	bo        backoff

	firstSeen uint32
	hbStop    chan struct{}
	hbWG      sync.WaitGroup
}

// FullFeedFilter builds the producer-side peer filter: a peer is emitted
// only when its active IPv4 or IPv6 prefix count reaches the threshold.
// Returns nil when both thresholds are zero.
func FullFeedFilter(v4cnt, v6cnt int) *codec.WriteFilter {
	if v4cnt == 0 && v6cnt == 0 {
		return nil
	}
	keep := func(v *view.View, id uint16) bool {
		return v.PeerPfxCnt(id, 4) >= v4cnt || v.PeerPfxCnt(id, 6) >= v6cnt
	}
	return &codec.WriteFilter{
		Peer: func(it *view.Iter) (bool, error) {
			return keep(it.View(), it.PeerID()), nil
		},
		PfxPeer: func(it *view.Iter) (bool, error) {
			return keep(it.View(), it.PfxPeerID()), nil
		},
	}
}

// NewProducer connects a producer for cfg.Exchange.Identity and starts its
// members-topic heartbeat.
func NewProducer(cfg *config.Config, filter *codec.WriteFilter, logger *zap.Logger) (*Producer, error) {
	if cfg.Exchange.Identity == "" {
		return nil, fmt.Errorf("kafka: producer requires exchange.identity")
	}
	topics, err := Topics(cfg.Exchange.Namespace, cfg.Exchange.Identity, cfg.Exchange.Channel)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID + "-producer"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.MaxBufferedRecords(4096),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.Kafka.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: producer client: %w", err)
	}

	p := &Producer{
		client:       client,
		topics:       topics,
		identity:     cfg.Exchange.Identity,
		channel:      cfg.Exchange.Channel,
		syncInterval: uint32(cfg.Exchange.SyncInterval),
		chunkSize:    cfg.Exchange.PfxChunkSize,
		filter:       filter,
		logger:       logger,
		connected:    true,
		firstSeen:    uint32(time.Now().Unix()),
		hbStop:       make(chan struct{}),
	}

	p.hbWG.Add(1)
	go p.heartbeatLoop(time.Duration(cfg.Exchange.HeartbeatIntervalSeconds) * time.Second)

	return p, nil
}

func (p *Producer) heartbeatLoop(interval time.Duration) {
	defer p.hbWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.sendHeartbeat(uint32(time.Now().Unix()))
	for {
		select {
		case <-p.hbStop:
			return
		case now := <-ticker.C:
			p.sendHeartbeat(uint32(now.Unix()))
		}
	}
}

func (p *Producer) sendHeartbeat(lastSeen uint32) {
	mf := MemberFrame{
		Identity:  p.identity,
		Channel:   p.channel,
		FirstSeen: p.firstSeen,
		LastSeen:  lastSeen,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &kgo.Record{Topic: p.topics.Members, Key: []byte(p.identity), Value: mf.Encode()}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.Warn("members heartbeat failed", zap.Error(err))
	}
}

// Send emits one view as a sync or diff frame. A view that is not aligned
// to the sync interval before any sync was sent returns ErrSkipped. A
// transient transport failure leaves the parent view untouched so the next
// emission still diffs meaningfully; a fatal one requires the caller to
// destroy the producer.
func (p *Producer) Send(ctx context.Context, v *view.View) error {
	if p.sawSync && v.Time() < p.lastTime {
		return fmt.Errorf("kafka: view time %d before last emitted %d", v.Time(), p.lastTime)
	}

	isSync := v.Time()%p.syncInterval == 0
	if !p.sawSync && !isSync {
		p.logger.Info("skipping out-of-alignment view before first sync",
			zap.Uint32("view_time", v.Time()),
			zap.Uint32("sync_interval", p.syncInterval),
		)
		metrics.ViewsSkippedTotal.WithLabelValues(p.identity).Inc()
		return ErrSkipped
	}

	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	kind := KindDiff
	if isSync {
		kind = KindSync
	}

	start := time.Now()
	stats, pfxCnt, err := p.emit(ctx, v, kind)
	if err != nil {
		cerr := classify(err)
		if errors.Is(cerr, ErrTransient) {
			p.connected = false
			p.logger.Warn("transient transport failure, emission dropped",
				zap.Uint32("view_time", v.Time()), zap.Error(err))
		}
		return cerr
	}

	kindLabel := "diff"
	if isSync {
		kindLabel = "sync"
		metrics.SyncPfxCnt.WithLabelValues(p.identity).Set(float64(pfxCnt))
	} else {
		metrics.DiffPfxTotal.WithLabelValues(p.identity, "common").Add(float64(stats.CommonPfx))
		metrics.DiffPfxTotal.WithLabelValues(p.identity, "added").Add(float64(stats.AddedPfx))
		metrics.DiffPfxTotal.WithLabelValues(p.identity, "removed").Add(float64(stats.RemovedPfx))
		metrics.DiffPfxTotal.WithLabelValues(p.identity, "changed").Add(float64(stats.ChangedPfx))
		metrics.DiffPfxPeerTotal.WithLabelValues(p.identity, "added").Add(float64(stats.AddedPfxPeer))
		metrics.DiffPfxPeerTotal.WithLabelValues(p.identity, "removed").Add(float64(stats.RemovedPfxPeer))
		metrics.DiffPfxPeerTotal.WithLabelValues(p.identity, "changed").Add(float64(stats.ChangedPfxPeer))
	}
	metrics.ViewsSentTotal.WithLabelValues(p.identity, kindLabel).Inc()
	metrics.SendDuration.WithLabelValues(p.identity, kindLabel).Observe(time.Since(start).Seconds())
	metrics.PfxCnt.WithLabelValues(p.identity).Set(float64(v.PfxCnt(0, view.FieldActive)))

	// Retain the parent only after a successful emit.
	copyStart := time.Now()
	if p.parent == nil {
		p.parent = view.NewWithStores(v.PathStore(), v.PeerMap())
	}
	if err := p.parent.CopyFrom(v); err != nil {
		return fmt.Errorf("%w: retaining parent view: %v", ErrFatal, err)
	}
	metrics.CopyDuration.WithLabelValues(p.identity).Observe(time.Since(copyStart).Seconds())

	p.sawSync = true
	p.lastTime = v.Time()
	return nil
}

func (p *Producer) ensureConnected(ctx context.Context) error {
	if p.connected {
		return nil
	}
	for {
		delay, ok := p.bo.next()
		if !ok {
			return fmt.Errorf("%w: reconnect retries exhausted", ErrFatal)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrFatal, ctx.Err())
		case <-time.After(delay):
		}
		metrics.TransportReconnectsTotal.WithLabelValues(p.identity).Inc()
		if err := p.client.Ping(ctx); err != nil {
			p.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}
		p.connected = true
		p.bo.reset()
		p.logger.Info("transport reconnected")
		return nil
	}
}

// emit serializes and publishes one view. Peer and path frames are flushed
// before any pfx frame so consumers always hold the prelude a pfx record
// cites.
func (p *Producer) emit(ctx context.Context, v *view.View, kind byte) (codec.DiffStats, int, error) {
	var stats codec.DiffStats
	parentTime := uint32(0)
	if kind == KindDiff {
		parentTime = p.parent.Time()
	}

	// Prelude: view start, peers, paths.
	var prelude bytes.Buffer
	it := v.Iter()
	if err := codec.WriteStart(&prelude, v.Time()); err != nil {
		return stats, 0, err
	}
	peerCnt, err := codec.WritePeers(&prelude, it, p.filter)
	if err != nil {
		return stats, 0, err
	}
	if _, err := codec.WritePaths(&prelude, v.PathStore()); err != nil {
		return stats, 0, err
	}
	preludeRec := &kgo.Record{
		Topic:   p.topics.Peers,
		Key:     []byte(p.identity),
		Value:   prelude.Bytes(),
		Headers: frameHeaders(v.Time(), kind, parentTime, 0, true),
	}
	if err := p.client.ProduceSync(ctx, preludeRec).FirstErr(); err != nil {
		return stats, 0, err
	}

	// Prefix frames.
	var chunks [][]byte
	var pfxCnt int
	if kind == KindSync {
		chunks, pfxCnt, err = p.buildSyncChunks(it)
	} else {
		chunks, pfxCnt, err = p.buildDiffChunk(v, &stats)
	}
	if err != nil {
		return stats, 0, err
	}

	pfxRecs := make([]*kgo.Record, len(chunks))
	for i, chunk := range chunks {
		pfxRecs[i] = &kgo.Record{
			Topic:   p.topics.Pfxs,
			Key:     []byte(p.identity),
			Value:   chunk,
			Headers: frameHeaders(v.Time(), kind, parentTime, uint32(i), i == len(chunks)-1),
		}
	}
	if err := p.client.ProduceSync(ctx, pfxRecs...).FirstErr(); err != nil {
		return stats, 0, err
	}

	// Meta summary, mirrored onto globalmeta for coordinator alignment.
	meta := MetaFrame{
		Identity:   p.identity,
		Time:       v.Time(),
		Kind:       kind,
		ParentTime: parentTime,
		PeerCnt:    uint16(peerCnt),
		PfxCnt:     uint32(pfxCnt),
		PfxMsgCnt:  uint32(len(chunks)),
	}
	metaRecs := []*kgo.Record{
		{Topic: p.topics.Meta, Key: []byte(p.identity), Value: meta.Encode(),
			Headers: frameHeaders(v.Time(), kind, parentTime, 0, true)},
		{Topic: p.topics.GlobalMeta, Key: []byte(p.identity), Value: meta.Encode(),
			Headers: frameHeaders(v.Time(), kind, parentTime, 0, true)},
	}
	if err := p.client.ProduceSync(ctx, metaRecs...).FirstErr(); err != nil {
		return stats, 0, err
	}

	return stats, pfxCnt, nil
}

// buildSyncChunks serializes the pfx section of a sync frame, splitting it
// across messages of at most chunkSize prefixes. The final chunk carries
// the section trailer and the view end magic.
func (p *Producer) buildSyncChunks(it *view.Iter) ([][]byte, int, error) {
	var chunks [][]byte
	var buf bytes.Buffer
	inChunk := 0
	pfxCnt := 0

	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		if p.filter != nil && p.filter.Pfx != nil {
			keep, err := p.filter.Pfx(it)
			if err != nil {
				return nil, 0, err
			}
			if !keep {
				continue
			}
		}
		sent, err := codec.WritePfx(&buf, it, p.filter)
		if err != nil {
			return nil, 0, err
		}
		if !sent {
			continue
		}
		pfxCnt++
		inChunk++
		if inChunk >= p.chunkSize {
			chunks = append(chunks, append([]byte(nil), buf.Bytes()...))
			buf.Reset()
			inChunk = 0
		}
	}

	if err := codec.WritePfxsEnd(&buf, pfxCnt); err != nil {
		return nil, 0, err
	}
	if err := codec.WriteEnd(&buf); err != nil {
		return nil, 0, err
	}
	chunks = append(chunks, append([]byte(nil), buf.Bytes()...))
	return chunks, pfxCnt, nil
}

func (p *Producer) buildDiffChunk(v *view.View, stats *codec.DiffStats) ([][]byte, int, error) {
	var buf bytes.Buffer
	pfxCnt, err := codec.WriteDiffPfxs(&buf, v, p.parent, p.filter, stats)
	if err != nil {
		return nil, 0, err
	}
	if err := codec.WriteEnd(&buf); err != nil {
		return nil, 0, err
	}
	return [][]byte{buf.Bytes()}, pfxCnt, nil
}

// Close emits the members tombstone and releases the client.
func (p *Producer) Close() {
	close(p.hbStop)
	p.hbWG.Wait()

	mf := MemberFrame{Identity: p.identity, Channel: p.channel}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &kgo.Record{Topic: p.topics.Members, Key: []byte(p.identity), Value: mf.Encode()}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.Warn("members tombstone failed", zap.Error(err))
	}

	p.client.Close()
}
