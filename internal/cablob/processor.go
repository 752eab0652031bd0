// Package cablob implements the columnar-analytics delivery pipeline:
// decoding classified events into schema-typed CA records, buffering them
// per schema, and flushing to blob storage with an out-of-band notification
// callback.
package cablob

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/jhinw/sfingest/internal/checkpoint"
	"github.com/jhinw/sfingest/internal/classify"
	"github.com/jhinw/sfingest/internal/model"
)

// CheckpointInterval is the CA pipeline's default checkpoint spacing when no
// flush occurred in a batch.
const CheckpointInterval = 3 * time.Minute

// ProcessorConfig configures the CA Processor's two fixed schema sinks,
// "Log" and "Interactions".
type ProcessorConfig struct {
	LogSink          SinkConfig
	InteractionsSink SinkConfig
}

// Processor implements C6: decode each batch item by its routed index base,
// append to the matching schema sink, and drive checkpoint either on any
// flush within the batch or on the configured interval, whichever comes
// first.
type Processor struct {
	logSink          *Sink
	interactionsSink *Sink
	logger           *zap.Logger
}

// NewProcessor builds a CA Processor around its two schema sinks.
func NewProcessor(cfg ProcessorConfig, httpClient *http.Client, logger *zap.Logger) *Processor {
	return &Processor{
		logSink:          NewSink(cfg.LogSink, httpClient, logger),
		interactionsSink: NewSink(cfg.InteractionsSink, httpClient, logger),
		logger:           logger,
	}
}

// PartitionState holds the per-partition checkpoint coordinator carried
// across calls to Process within a single partition's lifetime.
type PartitionState struct {
	PartitionID string
	Coordinator *checkpoint.Coordinator
}

// NewPartitionState builds per-partition state for the CA pipeline.
func NewPartitionState(partitionID string, cp *checkpoint.Coordinator) *PartitionState {
	return &PartitionState{PartitionID: partitionID, Coordinator: cp}
}

// batchStats accumulates the counters synthesized into a BatchStats log
// record on the Log sink, mirroring the ES pipeline's per-partition stats
// document.
type batchStats struct {
	batchSize    int
	logRecords   int
	interactions int
	discarded    int
	decodeErrors int
}

// Process implements one process(partition, batch) call: decode each batch
// item by its routed index base, append to the matching schema sink, and
// drive checkpoint.
func (p *Processor) Process(ctx context.Context, st *PartitionState, batch []model.RawEvent, now func() time.Time) error {
	span, ctx := apm.StartSpan(ctx, "CAProcessor.Process", "pipeline")
	defer span.End()

	stats := batchStats{batchSize: len(batch)}
	anyFlushed := false

	for _, raw := range batch {
		result := classify.Classify(raw, now)
		if result.Valid == nil {
			// Classification failures have no CA schema home; the ES
			// pipeline's quarantine index is the only durable record of
			// them; CA silently discards what it cannot type.
			stats.discarded++
			continue
		}
		item := *result.Valid

		switch item.IndexBase {
		case model.IndexBaseLogstash:
			rec, err := decodeLogRecord(item, p.logSinkSchemaID())
			if err != nil {
				stats.decodeErrors++
				continue
			}
			stats.logRecords++
			flushed, err := p.logSink.Append(ctx, rec)
			if err != nil {
				return err
			}
			anyFlushed = anyFlushed || flushed
		case model.IndexBaseRoboInteractions:
			rec, err := decodeInteractionRecord(item, p.interactionsSinkSchemaID())
			if err != nil {
				stats.decodeErrors++
				continue
			}
			stats.interactions++
			flushed, err := p.interactionsSink.Append(ctx, rec)
			if err != nil {
				return err
			}
			anyFlushed = anyFlushed || flushed
		default:
			// No CA schema covers this event type; the ES pipeline is its
			// only destination.
			stats.discarded++
		}
	}

	statsFlushed, err := p.appendBatchStats(ctx, st.PartitionID, stats, now().UTC())
	if err != nil {
		return err
	}
	anyFlushed = anyFlushed || statsFlushed

	if anyFlushed {
		return st.Coordinator.ForceCheckpoint(ctx)
	}
	if _, err := st.Coordinator.MaybeCheckpoint(ctx, CheckpointInterval); err != nil {
		return err
	}
	return nil
}

// Close performs a best-effort FlushNow of both sinks and an unconditional
// checkpoint only on a clean Shutdown; on LeaseLost or Failure the buffer is
// left as-is and not checkpointed, so any un-uploaded records are accepted
// as lost per spec rather than flushed out of turn on a partition this host
// no longer owns.
func (p *Processor) Close(ctx context.Context, st *PartitionState, reason model.PartitionCloseReason) error {
	if reason != model.CloseShutdown {
		return nil
	}
	var merr *multierror.Error
	if err := p.logSink.FlushNow(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := p.interactionsSink.FlushNow(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := st.Coordinator.ForceCheckpoint(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// appendBatchStats synthesizes the per-batch BatchStats log record: the
// counters tallied while decoding this batch plus the Log sink's own
// oldest-buffered-document lag, last flushed blob size and error count,
// resetting the latter two on the sink once folded in here.
func (p *Processor) appendBatchStats(ctx context.Context, partitionID string, stats batchStats, now time.Time) (bool, error) {
	sinkStats := p.logSink.Stats(now)

	rec := model.CARecord{
		SchemaName: SchemaNameLog,
		SchemaID:   p.logSinkSchemaID(),
		Timestamp:  now,
		MessageID:  partitionID + "-stats-" + now.Format(time.RFC3339Nano),
		Level:      "Information",
		Message:    "CA batch processed",
		Fields: map[string]interface{}{
			"partitionId":          partitionID,
			"batchSize":            stats.batchSize,
			"logRecords":           stats.logRecords,
			"interactions":         stats.interactions,
			"discarded":            stats.discarded,
			"decodeErrors":         stats.decodeErrors,
			"oldestDocLagInMillis": sinkStats.OldestDocLag.Milliseconds(),
			"lastBlobSizeBytes":    sinkStats.LastBlobSize,
			"blobErrorCount":       sinkStats.ErrorCount,
		},
	}
	flushed, err := p.logSink.Append(ctx, rec)
	if err != nil {
		return false, err
	}
	p.logSink.ResetCounters()
	return flushed, nil
}

func (p *Processor) logSinkSchemaID() string          { return p.logSink.cfg.SchemaID }
func (p *Processor) interactionsSinkSchemaID() string { return p.interactionsSink.cfg.SchemaID }
