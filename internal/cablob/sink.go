package cablob

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // used only for the container-name hash prefix, not for security.
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/jhinw/sfingest/internal/model"
	"github.com/jhinw/sfingest/internal/retry"
)

var sinkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// MaxBlobWriteAttempts bounds the upload-destination re-selection loop.
	MaxBlobWriteAttempts = 10
	// MaxNotificationRetries bounds the notification callback's own retry
	// loop.
	MaxNotificationRetries = 10
	// oversizeLogPrefix is the byte cap on the dropped-record log.
	oversizeLogPrefix = 1000
	sasValidity       = 24 * time.Hour
)

// SinkConfig configures one per-schema FlushBuffer singleton.
type SinkConfig struct {
	SchemaName           string
	SchemaID             string
	Capacity             int
	Compress             bool
	Accounts             []BlobAccountClient
	BaseContainerName    string
	NotificationEndpoint string
	InstrumentationKey   string
}

// Sink is the per-schema FlushBuffer: a fixed-capacity byte buffer, its
// write position, the event count and oldest-document timestamp observed
// since the last flush, all guarded by a single mutex so a flush's I/O
// serializes appenders within this partition's sink.
type Sink struct {
	cfg        SinkConfig
	httpClient *http.Client
	logger     *zap.Logger
	rand       *rand.Rand

	mu              sync.Mutex
	buf             []byte
	pos             int
	eventCount      int
	eventCountTotal int
	oldestDoc       time.Time
	lastBlobSize    int
	errorCount      int
}

// Stats snapshots the instrumentation counters a BatchStats log record
// folds in: lifetime event count, oldest-buffered-document lag relative to
// now, the byte size of the last flushed blob, and errors (oversize drops)
// observed since the last ResetCounters.
type Stats struct {
	EventCountTotal int
	OldestDocLag    time.Duration
	LastBlobSize    int
	ErrorCount      int
}

// Stats returns a snapshot of s's instrumentation counters.
func (s *Sink) Stats(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lag time.Duration
	if !s.oldestDoc.IsZero() {
		lag = now.Sub(s.oldestDoc)
		if lag < 0 {
			lag = 0
		}
	}
	return Stats{
		EventCountTotal: s.eventCountTotal,
		OldestDocLag:    lag,
		LastBlobSize:    s.lastBlobSize,
		ErrorCount:      s.errorCount,
	}
}

// ResetCounters zeroes the blob-size/error instrumentation counters once
// they have been folded into a BatchStats record.
func (s *Sink) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBlobSize = 0
	s.errorCount = 0
}

// NewSink builds a Sink for one schema.
func NewSink(cfg SinkConfig, httpClient *http.Client, logger *zap.Logger) *Sink {
	return &Sink{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		buf:        make([]byte, cfg.Capacity),
	}
}

// Append implements the sink's append(record) algorithm: oversize records
// are dropped; records that fit are appended in place; records that don't
// trigger a flush of the current buffer before being written as the first
// record of a fresh one.
func (s *Sink) Append(ctx context.Context, record model.CARecord) (flushed bool, err error) {
	encoded, err := sinkJSON.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encoding CA record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(encoded) > s.cfg.Capacity {
		s.logOversize(encoded)
		return false, nil
	}

	sep := 0
	if s.pos > 0 {
		sep = 2
	}
	if s.pos+len(encoded)+sep <= s.cfg.Capacity {
		s.writeLocked(encoded, sep, record.Timestamp)
		return false, nil
	}

	if err := s.flushLocked(ctx, true); err != nil {
		// Buffer is preserved on a compression failure mid-flush so the
		// same bytes can be retried on the next flush.
		return false, err
	}
	s.writeLocked(encoded, 0, record.Timestamp)
	return true, nil
}

// FlushNow forces a flush regardless of the size threshold. The CA
// Processor calls it from Close on a clean shutdown only; Process does not
// call it, so records below the size threshold stay buffered across
// interval checkpoints.
func (s *Sink) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx, true)
}

func (s *Sink) writeLocked(encoded []byte, sep int, ts time.Time) {
	if sep > 0 {
		copy(s.buf[s.pos:], "\r\n")
		s.pos += sep
	}
	copy(s.buf[s.pos:], encoded)
	s.pos += len(encoded)
	s.eventCount++
	s.eventCountTotal++
	if s.oldestDoc.IsZero() || ts.Before(s.oldestDoc) {
		s.oldestDoc = ts
	}
}

// flushLocked runs with s.mu held: compress (optionally), select an upload
// destination, upload with bounded re-selection, notify, then reset if
// requested. Idempotent on an empty buffer.
func (s *Sink) flushLocked(ctx context.Context, reset bool) error {
	if s.eventCount == 0 {
		return nil
	}

	payload, ext, err := s.preparePayload()
	if err != nil {
		// Buffer is intentionally left intact: §9 mandates the same bytes
		// survive for re-flush after a compression failure.
		return fmt.Errorf("compressing flush buffer: %w", err)
	}

	now := time.Now().UTC()
	container := containerName(s.cfg.BaseContainerName, now)
	blobName := blobName(s.cfg.SchemaName, ext, now)

	account, err := s.uploadWithReselection(ctx, container, blobName, payload)
	if err != nil {
		return fmt.Errorf("CA flush: %w", err)
	}
	s.lastBlobSize = len(payload)

	s.notify(ctx, account, container, blobName, now)

	if reset {
		s.pos = 0
		s.eventCount = 0
		s.oldestDoc = time.Time{}
	}
	return nil
}

func (s *Sink) preparePayload() ([]byte, string, error) {
	raw := s.buf[:s.pos]
	if !s.cfg.Compress {
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return cp, "json", nil
	}
	var scratch bytes.Buffer
	w := gzip.NewWriter(&scratch)
	if _, err := w.Write(raw); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return scratch.Bytes(), "json.gz", nil
}

// uploadWithReselection handles account failover outside create-on-404
// (handled inside BlobAccountClient.UploadBlob): on any failure, re-select
// a random account and retry, up to MaxBlobWriteAttempts total attempts.
func (s *Sink) uploadWithReselection(ctx context.Context, container, blobName string, payload []byte) (BlobAccountClient, error) {
	var lastErr error
	for attempt := 0; attempt < MaxBlobWriteAttempts; attempt++ {
		account := s.pickAccount()
		if err := account.UploadBlob(ctx, container, blobName, payload); err != nil {
			lastErr = err
			if s.logger != nil {
				s.logger.Warn("blob upload attempt failed", zap.String("account", account.AccountName()), zap.Int("attempt", attempt+1), zap.Error(err))
			}
			continue
		}
		return account, nil
	}
	return nil, fmt.Errorf("exhausted %d blob write attempts: %w", MaxBlobWriteAttempts, lastErr)
}

func (s *Sink) pickAccount() BlobAccountClient {
	return s.cfg.Accounts[s.rand.Intn(len(s.cfg.Accounts))]
}

// notify POSTs the notification callback payload with its own bounded
// retry; failure is logged but does not roll back the blob upload.
func (s *Sink) notify(ctx context.Context, account BlobAccountClient, container, blobName string, now time.Time) {
	sasURL, err := account.SASURL(container, blobName, now.Add(sasValidity))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to build SAS URL for notification", zap.Error(err))
		}
		return
	}

	payload := notificationPayload{
		Ver:  "1",
		Name: s.cfg.SchemaName + "OpenSchema",
		Time: now,
		IKey: s.cfg.InstrumentationKey,
	}
	payload.Data.BaseType = "OpenSchemaData"
	payload.Data.BaseData.Ver = "2"
	payload.Data.BaseData.BlobSasURI = sasURL
	payload.Data.BaseData.SourceName = s.cfg.SchemaID
	payload.Data.BaseData.SourceVersion = "1.0"

	body, err := sinkJSON.Marshal(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to encode notification payload", zap.Error(err))
		}
		return
	}

	action := func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.NotificationEndpoint, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}
	accepted := func(status int) bool { return status >= 200 && status < 300 }

	status, err := retry.SendWithRetries[int](ctx, s.logger, action, accepted, MaxNotificationRetries)
	if err != nil || !accepted(status) {
		if s.logger != nil {
			s.logger.Error("notification callback failed after retries", zap.Int("status", status), zap.Error(err))
		}
	}
}

// logOversize runs with s.mu held (called from Append); it counts the drop
// into errorCount for the next BatchStats record.
func (s *Sink) logOversize(encoded []byte) {
	s.errorCount++
	prefix := encoded
	if len(prefix) > oversizeLogPrefix {
		prefix = prefix[:oversizeLogPrefix]
	}
	if s.logger != nil {
		s.logger.Error("dropping CA record larger than buffer capacity", zap.Int("size", len(encoded)), zap.ByteString("prefix", prefix))
	}
}

type notificationPayload struct {
	Ver  string    `json:"ver"`
	Name string    `json:"name"`
	Time time.Time `json:"time"`
	IKey string    `json:"iKey"`
	Data struct {
		BaseType string `json:"baseType"`
		BaseData struct {
			Ver           string `json:"ver"`
			BlobSasURI    string `json:"blobSasUri"`
			SourceName    string `json:"sourceName"`
			SourceVersion string `json:"sourceVersion"`
		} `json:"baseData"`
	} `json:"data"`
}

// containerName implements the container naming rule.
func containerName(base string, now time.Time) string {
	dateKey := now.Format("2006-01-02-15")
	sum := md5.Sum([]byte(dateKey))
	return hex.EncodeToString(sum[:])[:5] + "-" + base + "-" + dateKey
}

// blobName implements the blob naming rule.
func blobName(schemaName, ext string, now time.Time) string {
	id, err := uuid.NewV4()
	idStr := ""
	if err == nil {
		idStr = id.String()
	}
	return idStr + "_" + now.Format("2006-01-02-15-04-05") + "_" + schemaName + "." + ext
}
