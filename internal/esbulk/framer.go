// Package esbulk implements the ES delivery pipeline: bulk framing,
// submission with retry and per-partition orchestration.
package esbulk

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/sjson"

	"github.com/jhinw/sfingest/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// actionLine is the ES bulk "index" action header.
type actionLine struct {
	Index indexAction `json:"index"`
}

type indexAction struct {
	Index string `json:"_index"`
	Type  string `json:"_type"`
	ID    string `json:"_id"`
}

// FramedBody is the result of framing a set of items: the bulk wire body and
// a map from docId to the originating item, so the processor can correlate
// per-item failures back to BulkItems for retry/quarantine.
type FramedBody struct {
	Body  []byte
	Items map[string]model.BulkItem
}

// StatsInput carries the aggregate figures needed to synthesize the
// self-instrumentation items.
type StatsInput struct {
	Enabled                bool
	PartitionID            string
	BatchSize              int
	LastBatchElapsed       time.Duration
	LastBatchFailedDocs    int
	LastBatchAbandonedDocs int
	Now                    time.Time
}

// Frame serializes items into the ES bulk wire format, one action/body line
// pair per item, "\n"-joined. When stats.Enabled and items is non-empty, it
// appends batchstats and perpartitionstats items to both the wire body and
// the returned item map; an empty items slice yields no stats items.
func Frame(items []model.BulkItem, stats StatsInput) FramedBody {
	var b strings.Builder
	itemMap := make(map[string]model.BulkItem, len(items)+2)

	for _, item := range items {
		writeLine(&b, item)
		itemMap[item.DocID] = item
	}

	if stats.Enabled {
		if batchStats, ok := buildBatchStats(items, stats); ok {
			writeLine(&b, batchStats)
			itemMap[batchStats.DocID] = batchStats
		}
		if perPartitionStats, ok := buildPerPartitionStats(items, stats); ok {
			writeLine(&b, perPartitionStats)
			itemMap[perPartitionStats.DocID] = perPartitionStats
		}
	}

	return FramedBody{Body: []byte(b.String()), Items: itemMap}
}

func writeLine(b *strings.Builder, item model.BulkItem) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	action := actionLine{Index: indexAction{Index: item.IndexName, Type: item.DocType, ID: item.DocID}}
	encoded, _ := json.Marshal(action)
	b.Write(encoded)
	b.WriteByte('\n')
	b.WriteString(item.Body)
}

func buildBatchStats(items []model.BulkItem, stats StatsInput) (model.BulkItem, bool) {
	oldestByEnqueue, newestByTimestamp, ok := scanStatsWindow(items)
	if !ok {
		return model.BulkItem{}, false
	}
	now := stats.Now

	lag := clampNonNegative(now.Sub(newestByTimestamp.EnqueueTime))
	maxLag := clampNonNegative(now.Sub(oldestByEnqueue.EnqueueTime))
	lagCreation := clampNonNegative(now.Sub(newestByTimestamp.Timestamp))
	maxLagCreation := clampNonNegative(now.Sub(oldestByEnqueue.Timestamp))

	body := "{}"
	body, _ = sjson.Set(body, "lastMessageTimestampInBatch", newestByTimestamp.Timestamp)
	body, _ = sjson.Set(body, "lastMessageEnqueueTimeInBatch", newestByTimestamp.EnqueueTime)
	body, _ = sjson.Set(body, "oldestMessageTimestampInBatch", oldestByEnqueue.Timestamp)
	body, _ = sjson.Set(body, "oldestMessageEnqueueTimeInBatch", oldestByEnqueue.EnqueueTime)
	body, _ = sjson.Set(body, "idOfOldestMessageInBatch", oldestByEnqueue.DocID)
	body, _ = sjson.Set(body, "idOfOldestEnqueuedMessageInBatch", oldestByEnqueue.DocID)
	body, _ = sjson.Set(body, "lagInMilliseconds", lag.Milliseconds())
	body, _ = sjson.Set(body, "maxLagInMilliseconds", maxLag.Milliseconds())
	body, _ = sjson.Set(body, "lagInMinutes", lag.Minutes())
	body, _ = sjson.Set(body, "maxLagInMinutes", maxLag.Minutes())
	body, _ = sjson.Set(body, "lagFromMessageCreationTimeInMinutes", lagCreation.Minutes())
	body, _ = sjson.Set(body, "maxLagFromMessageCreationTimeInMinutes", maxLagCreation.Minutes())
	body, _ = sjson.Set(body, "timestamp", now)
	body, _ = sjson.Set(body, "lastBatchElapsedTimeInMilliseconds", stats.LastBatchElapsed.Milliseconds())
	body, _ = sjson.Set(body, "taskId", stats.PartitionID)
	body, _ = sjson.Set(body, "batchSize", stats.BatchSize)
	body, _ = sjson.Set(body, "lastBatchFailedDocuments", stats.LastBatchFailedDocs)
	body, _ = sjson.Set(body, "lastBatchAbandonedDocuments", stats.LastBatchAbandonedDocs)

	item := model.BulkItem{
		IndexBase:   model.IndexBaseIngestionStats,
		IndexName:   model.IndexNameFor(model.IndexBaseIngestionStats, now),
		DocType:     model.DocTypeBatchStats,
		DocID:       newStatsDocID("batchstats", stats.PartitionID, now),
		Timestamp:   now,
		EnqueueTime: now,
		Body:        body,
	}
	return item, true
}

func buildPerPartitionStats(items []model.BulkItem, stats StatsInput) (model.BulkItem, bool) {
	_, _, ok := scanStatsWindow(items)
	if !ok {
		return model.BulkItem{}, false
	}
	now := stats.Now
	body := "{}"
	body, _ = sjson.Set(body, "partitionId", stats.PartitionID)
	body, _ = sjson.Set(body, "taskId", stats.PartitionID)
	body, _ = sjson.Set(body, "timestamp", now)
	body, _ = sjson.Set(body, "batchSize", stats.BatchSize)

	item := model.BulkItem{
		IndexBase:   model.IndexBaseIngestionStats,
		IndexName:   model.IndexNameFor(model.IndexBaseIngestionStats, now),
		DocType:     model.DocTypePerPartitionStats,
		DocID:       newStatsDocID("perpartitionstats", stats.PartitionID, now),
		Timestamp:   now,
		EnqueueTime: now,
		Body:        body,
	}
	return item, true
}

// scanStatsWindow returns the item with the oldest EnqueueTime and the item
// with the most recent Timestamp ("last message in batch"). The batchstats
// item uses these two in its lag computation; the perpartitionstats item
// only uses ok, to skip an empty batch.
func scanStatsWindow(items []model.BulkItem) (oldestByEnqueue, newestByTimestamp model.BulkItem, ok bool) {
	if len(items) == 0 {
		return model.BulkItem{}, model.BulkItem{}, false
	}
	oldestByEnqueue = items[0]
	newestByTimestamp = items[0]
	for _, it := range items[1:] {
		if it.EnqueueTime.Before(oldestByEnqueue.EnqueueTime) {
			oldestByEnqueue = it
		}
		if it.Timestamp.After(newestByTimestamp.Timestamp) {
			newestByTimestamp = it
		}
	}
	return oldestByEnqueue, newestByTimestamp, true
}

func clampNonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func newStatsDocID(kind, partitionID string, now time.Time) string {
	return kind + "-" + partitionID + "-" + now.UTC().Format("20060102T150405.000000000")
}
