// Package broker realizes the abstract Consumer Host contract over
// github.com/Shopify/sarama consumer groups. It is the only piece of the
// module that imports sarama directly; the rest of the pipeline depends
// only on hostadapter.Adapter and model.RawEvent.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/jhinw/sfingest/internal/hostadapter"
	"github.com/jhinw/sfingest/internal/model"
)

// Config configures one KafkaHost: brokers, topic, consumer group name,
// batch sizing.
type Config struct {
	Brokers          []string
	Topic            string
	GroupID          string
	MaxBatchSize     int
	MaxBatchInterval time.Duration
}

// KafkaHost consumes one topic via a sarama consumer group and drives an
// hostadapter.Adapter's open/process/close lifecycle. One KafkaHost exists
// per pipeline (ES, CA), each with its own consumer group.
type KafkaHost struct {
	cfg     Config
	group   sarama.ConsumerGroup
	adapter *hostadapter.Adapter
	logger  *zap.Logger
}

// NewKafkaHost dials the consumer group for cfg.GroupID and returns a host
// ready to Run.
func NewKafkaHost(cfg Config, adapter *hostadapter.Adapter, logger *zap.Logger) (*KafkaHost, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, err
	}
	return &KafkaHost{cfg: cfg, group: group, adapter: adapter, logger: logger}, nil
}

// Run consumes cfg.Topic until ctx is cancelled, reconnecting the session on
// every rebalance (sarama's Consume returns after each generation ends).
func (h *KafkaHost) Run(ctx context.Context) error {
	go func() {
		for err := range h.group.Errors() {
			if h.logger != nil {
				h.logger.Error("kafka consumer group error", zap.Error(err))
			}
		}
	}()

	handler := &groupHandler{cfg: h.cfg, adapter: h.adapter, logger: h.logger, shuttingDown: ctx.Done()}
	for {
		if err := h.group.Consume(ctx, []string{h.cfg.Topic}, handler); err != nil {
			if err == sarama.ErrClosedConsumerGroup || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close shuts down the underlying consumer group.
func (h *KafkaHost) Close() error {
	return h.group.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler, translating Kafka's
// partition-claim lifecycle into hostadapter's open/process/close calls.
type groupHandler struct {
	cfg     Config
	adapter *hostadapter.Adapter
	logger  *zap.Logger

	shuttingDown <-chan struct{}
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			pid := partitionID(topic, partition)
			cp := newSessionCheckpointer(session)
			h.adapter.Open(pid, cp.checkpoint)
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	reason := model.CloseLeaseLost
	select {
	case <-h.shuttingDown:
		reason = model.CloseShutdown
	default:
	}
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			pid := partitionID(topic, partition)
			if err := h.adapter.Close(session.Context(), pid, reason); err != nil && h.logger != nil {
				h.logger.Error("partition close failed", zap.String("partition", pid), zap.Error(err))
			}
		}
	}
	return nil
}

// ConsumeClaim batches messages up to MaxBatchSize or MaxBatchInterval,
// whichever comes first, before calling into the adapter.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	pid := partitionID(claim.Topic(), claim.Partition())

	maxBatchSize := h.cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	interval := h.cfg.MaxBatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []model.RawEvent
	var lastMsg *sarama.ConsumerMessage

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := h.adapter.Process(session.Context(), pid, batch, time.Now); err != nil {
			return err
		}
		if lastMsg != nil {
			session.MarkMessage(lastMsg, "")
		}
		batch = nil
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			batch = append(batch, toRawEvent(msg))
			lastMsg = msg
			if len(batch) >= maxBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-session.Context().Done():
			return flush()
		}
	}
}

// toRawEvent converts one Kafka message into a model.RawEvent, lifting
// record headers into the Properties map the classifier reads ("Type",
// "MessageId", "Timestamp", "Source" attributes).
func toRawEvent(msg *sarama.ConsumerMessage) model.RawEvent {
	props := make(map[string]model.Value, len(msg.Headers))
	for _, h := range msg.Headers {
		props[string(h.Key)] = model.StringValue(string(h.Value))
	}
	enqueuedAt := msg.Timestamp
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	return model.RawEvent{
		Body:       msg.Value,
		EnqueuedAt: enqueuedAt,
		Properties: props,
	}
}

func partitionID(topic string, partition int32) string {
	return topic + "-" + strconv.Itoa(int(partition))
}

// sessionCheckpointer adapts sarama's MarkMessage+Commit flow to the
// checkpoint.Checkpointer signature the Coordinator expects.
type sessionCheckpointer struct {
	session sarama.ConsumerGroupSession
}

func newSessionCheckpointer(session sarama.ConsumerGroupSession) *sessionCheckpointer {
	return &sessionCheckpointer{session: session}
}

// checkpoint implements checkpoint.Checkpointer: sarama already marks
// offsets per flushed batch in ConsumeClaim, so the Coordinator's
// checkpoint callback only needs to force a commit of whatever has been
// marked so far.
func (c *sessionCheckpointer) checkpoint(ctx context.Context) error {
	c.session.Commit()
	return nil
}
