package esbulk

import (
	"context"
	"time"

	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/jhinw/sfingest/internal/checkpoint"
	"github.com/jhinw/sfingest/internal/classify"
	"github.com/jhinw/sfingest/internal/model"
)

const (
	// MaxFailedDocRetries bounds the failed-items retry phase.
	MaxFailedDocRetries = 10
	// MaxAbandonedDocRetries bounds the quarantine submit phase.
	MaxAbandonedDocRetries = 10
	// CheckpointMinInterval is the ES pipeline's minimum checkpoint spacing.
	CheckpointMinInterval = time.Minute
)

// ProcessorConfig configures one Processor instance (shared across
// partitions; stateless beyond the injected dependencies).
type ProcessorConfig struct {
	StatsEnabled bool
}

// Processor implements C4: classify -> frame -> submit -> retry failures ->
// quarantine survivors, driving checkpoint.
type Processor struct {
	submitter *Submitter
	logger    *zap.Logger
	cfg       ProcessorConfig
}

// NewProcessor builds a Processor around a Submitter.
func NewProcessor(submitter *Submitter, logger *zap.Logger, cfg ProcessorConfig) *Processor {
	return &Processor{submitter: submitter, logger: logger, cfg: cfg}
}

// PartitionState holds the per-partition counters carried across calls to
// Process within a single partition's lifetime.
type PartitionState struct {
	PartitionID            string
	Coordinator            *checkpoint.Coordinator
	lastBatchElapsed       time.Duration
	lastBatchFailedDocs    int
	lastBatchAbandonedDocs int
}

// NewPartitionState builds per-partition state for the ES pipeline.
func NewPartitionState(partitionID string, cp *checkpoint.Coordinator) *PartitionState {
	return &PartitionState{PartitionID: partitionID, Coordinator: cp}
}

// Process implements one process(partition, batch) call: classify, frame,
// submit, retry failures, quarantine survivors.
func (p *Processor) Process(ctx context.Context, st *PartitionState, batch []model.RawEvent, now func() time.Time) error {
	span, ctx := apm.StartSpan(ctx, "ESProcessor.Process", "pipeline")
	defer span.End()

	var valid []model.BulkItem
	var invalid []model.InvalidItem
	for _, raw := range batch {
		result := classify.Classify(raw, now)
		if result.Valid != nil {
			valid = append(valid, *result.Valid)
		} else {
			invalid = append(invalid, *result.Invalid)
		}
	}

	framed := Frame(valid, StatsInput{
		Enabled:                p.cfg.StatsEnabled,
		PartitionID:            st.PartitionID,
		BatchSize:              len(batch),
		LastBatchElapsed:       st.lastBatchElapsed,
		LastBatchFailedDocs:    st.lastBatchFailedDocs,
		LastBatchAbandonedDocs: st.lastBatchAbandonedDocs,
		Now:                    now().UTC(),
	})

	if len(framed.Items) == 0 {
		// Nothing to submit: valid is empty and, if stats are enabled,
		// framing produced no stats items either (no items to compute a lag
		// window from).
		st.lastBatchFailedDocs = 0
		st.lastBatchAbandonedDocs = 0
	} else {
		start := time.Now()
		resp, err := p.submitter.SubmitUnbounded(ctx, framed.Body)
		st.lastBatchElapsed = time.Since(start)
		if err != nil {
			return logCancellation(p.logger, err)
		}

		failed := failedItems(resp, framed.Items)
		st.lastBatchFailedDocs = len(failed)

		if len(failed) > 0 {
			survivors, err := p.retryFailed(ctx, failed)
			if err != nil {
				return logCancellation(p.logger, err)
			}
			if len(survivors) > 0 {
				if err := p.quarantine(ctx, survivors); err != nil {
					return logCancellation(p.logger, err)
				}
			}
			st.lastBatchAbandonedDocs = len(survivors)
		} else {
			st.lastBatchAbandonedDocs = 0
		}
	}

	if len(invalid) > 0 {
		if err := p.quarantineInvalid(ctx, invalid); err != nil {
			return logCancellation(p.logger, err)
		}
		st.lastBatchAbandonedDocs += len(invalid)
	}

	if _, err := st.Coordinator.MaybeCheckpoint(ctx, CheckpointMinInterval); err != nil {
		return err
	}
	return nil
}

// Close implements the partition close contract: an unconditional
// checkpoint on Shutdown, nothing otherwise.
func (p *Processor) Close(ctx context.Context, st *PartitionState, reason model.PartitionCloseReason) error {
	if reason == model.CloseShutdown {
		return st.Coordinator.ForceCheckpoint(ctx)
	}
	return nil
}

func failedItems(resp Response, items map[string]model.BulkItem) []model.BulkItem {
	if resp.Kind != ServerSuccess || !resp.HasErrors {
		return nil
	}
	out := make([]model.BulkItem, 0, len(resp.FailedItems))
	for _, ie := range resp.FailedItems {
		if item, ok := items[ie.DocID]; ok {
			out = append(out, item)
		}
	}
	return out
}

// retryFailed reframes only the failed items (without new stats items) and
// retries with a bound. It returns the items still failing after retries
// are exhausted.
func (p *Processor) retryFailed(ctx context.Context, failed []model.BulkItem) ([]model.BulkItem, error) {
	framed := Frame(failed, StatsInput{Enabled: false})
	resp, err := p.submitter.SubmitBounded(ctx, framed.Body, MaxFailedDocRetries)
	if err != nil {
		return nil, err
	}
	return failedItems(resp, framed.Items), nil
}

// quarantine builds AbandonedItems for items that survived the retry phase
// and submits them with bounded retry.
func (p *Processor) quarantine(ctx context.Context, survivors []model.BulkItem) error {
	abandoned := make([]model.BulkItem, 0, len(survivors))
	for _, item := range survivors {
		abandoned = append(abandoned, toAbandonedItem(item.DocID, item.Body, "document failed ES bulk indexing after retries", time.Now().UTC()))
	}
	return p.submitQuarantine(ctx, abandoned)
}

// quarantineInvalid wraps classification failures as AbandonedItems and runs
// the same quarantine phase.
func (p *Processor) quarantineInvalid(ctx context.Context, invalid []model.InvalidItem) error {
	abandoned := make([]model.BulkItem, 0, len(invalid))
	for _, inv := range invalid {
		abandoned = append(abandoned, toAbandonedItem(inv.MessageID, inv.Body, inv.InvalidReason, inv.Timestamp))
	}
	return p.submitQuarantine(ctx, abandoned)
}

func (p *Processor) submitQuarantine(ctx context.Context, abandoned []model.BulkItem) error {
	framed := Frame(abandoned, StatsInput{Enabled: false})
	_, err := p.submitter.SubmitBounded(ctx, framed.Body, MaxAbandonedDocRetries)
	return err
}

func toAbandonedItem(docID, originalBody, lastError string, ts time.Time) model.BulkItem {
	prefix := originalBody
	if len(prefix) > 1024 {
		prefix = prefix[:1024]
	}
	body, _ := json.MarshalToString(map[string]interface{}{
		"docId":      docID,
		"docContent": prefix,
		"lastError":  lastError,
		"timestamp":  ts,
	})
	return model.BulkItem{
		IndexBase:   model.IndexBaseAbandonedDocs,
		IndexName:   model.IndexNameFor(model.IndexBaseAbandonedDocs, ts),
		DocType:     model.DocTypeAbandonedDocInfo,
		DocID:       docID,
		Timestamp:   ts,
		EnqueueTime: ts,
		Body:        body,
	}
}

func logCancellation(logger *zap.Logger, err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		if logger != nil {
			logger.Info("batch processing cancelled", zap.Error(err))
		}
	}
	return err
}
