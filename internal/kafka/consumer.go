package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// DirectConsumer follows one named producer's topics and hands every
// reassembled view to its handler. Single-threaded: Run owns the pipeline
// until its context is cancelled.
type DirectConsumer struct {
	client   *kgo.Client
	topics   TopicSet
	asm      *assembler
	identity string
	logger   *zap.Logger
	ready    atomic.Bool
}

// NewDirectConsumer subscribes to identity's peers, pfxs and meta topics.
// Consumption starts from the beginning of retention so a consumer joining
// late can locate the nearest preceding sync.
func NewDirectConsumer(cfg *config.Config, identity string, handler ViewHandler, logger *zap.Logger) (*DirectConsumer, error) {
	if identity == "" {
		return nil, fmt.Errorf("kafka: direct consumer requires an identity")
	}
	topics, err := Topics(cfg.Exchange.Namespace, identity, cfg.Exchange.Channel)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID + "-consumer-" + identity),
		kgo.ConsumeTopics(topics.Peers, topics.Pfxs, topics.Meta),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxBytes(cfg.Kafka.FetchMaxBytes),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.Kafka.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: direct consumer client: %w", err)
	}

	return &DirectConsumer{
		client:   client,
		topics:   topics,
		asm:      newAssembler(identity, handler, logger),
		identity: identity,
		logger:   logger,
	}, nil
}

// Run polls frames until the context is cancelled. Corruption never stops
// the loop; only a fatal transport error or a handler error does.
func (c *DirectConsumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.asm.drain()
			return nil
		}

		for _, fe := range fetches.Errors() {
			cerr := classify(fe.Err)
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err),
			)
			if !errors.Is(cerr, ErrTransient) {
				return cerr
			}
		}

		var handleErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if handleErr != nil {
				return
			}
			handleErr = c.handleRecord(rec)
		})
		if handleErr != nil {
			return handleErr
		}
		c.ready.Store(true)
	}
}

func (c *DirectConsumer) handleRecord(rec *kgo.Record) error {
	switch rec.Topic {
	case c.topics.Peers, c.topics.Pfxs:
		fi, err := parseFrameHeaders(rec)
		if err != nil {
			c.logger.Warn("frame with bad headers dropped", zap.String("topic", rec.Topic), zap.Error(err))
			return nil
		}
		return c.asm.ingest(rec.Topic == c.topics.Peers, fi, rec.Value)
	case c.topics.Meta:
		meta, err := DecodeMetaFrame(rec.Value)
		if err != nil {
			c.logger.Warn("bad meta frame dropped", zap.Error(err))
			return nil
		}
		c.logger.Debug("meta frame",
			zap.Uint32("view_time", meta.Time),
			zap.String("kind", string(meta.Kind)),
			zap.Uint32("pfx_cnt", meta.PfxCnt),
		)
	}
	return nil
}

// State reports the reassembly pipeline's state.
func (c *DirectConsumer) State() WorkerState {
	return c.asm.st
}

// IsReady reports whether the consumer has completed at least one poll.
func (c *DirectConsumer) IsReady() bool {
	return c.ready.Load()
}

func (c *DirectConsumer) Close() {
	c.client.Close()
}
