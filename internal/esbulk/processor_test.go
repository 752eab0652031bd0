package esbulk

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhinw/sfingest/internal/checkpoint"
	"github.com/jhinw/sfingest/internal/model"
)

type scriptedTransport struct {
	calls     int
	responder func(call int, body []byte) (int, string)
}

func (s *scriptedTransport) Bulk(body io.Reader, o ...func(*esapi.BulkRequest)) (*esapi.Response, error) {
	raw, _ := io.ReadAll(body)
	status, respBody := s.responder(s.calls, raw)
	s.calls++
	return &esapi.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(respBody))}, nil
}

func newTestState(t *testing.T) (*PartitionState, *int) {
	t.Helper()
	checkpoints := 0
	cp := checkpoint.New(func(ctx context.Context) error { checkpoints++; return nil })
	return NewPartitionState("p0", cp), &checkpoints
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func serilogRaw(body string) model.RawEvent {
	return model.RawEvent{
		Body:       []byte(body),
		EnqueuedAt: time.Now().UTC(),
		Properties: map[string]model.Value{"Type": model.StringValue("SerilogEvent")},
	}
}

func serilogRawWithID(body, docID string) model.RawEvent {
	return model.RawEvent{
		Body:       []byte(body),
		EnqueuedAt: time.Now().UTC(),
		Properties: map[string]model.Value{
			"Type":      model.StringValue("SerilogEvent"),
			"MessageId": model.StringValue(docID),
		},
	}
}

// Scenario 1: batch of 0 events.
func TestProcess_EmptyBatch_NoSubmitNoFailures(t *testing.T) {
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		t.Fatalf("submit should not be called for an empty batch")
		return 0, ""
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, _ := newTestState(t)

	err := proc.Process(context.Background(), st, nil, fixedNow(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, st.lastBatchFailedDocs)
	assert.Equal(t, 0, st.lastBatchAbandonedDocs)
	assert.Equal(t, 0, ft.calls)
}

// Scenario 2: single valid serilog event, ES returns 200 no-errors.
func TestProcess_SingleValidEvent_Success(t *testing.T) {
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		return 200, `{"errors":false,"items":[]}`
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, _ := newTestState(t)

	err := proc.Process(context.Background(), st, []model.RawEvent{serilogRaw(`{"a":1}`)}, fixedNow(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, ft.calls)
	assert.Equal(t, 0, st.lastBatchFailedDocs)
	assert.Equal(t, 0, st.lastBatchAbandonedDocs)
}

// Scenario 3: single event; ES returns 502 a hundred times then 200.
func TestProcess_TransportFailures_RetriedUntilSuccess(t *testing.T) {
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		if call < 100 {
			return 502, "bad gateway"
		}
		return 200, `{"errors":false,"items":[]}`
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, _ := newTestState(t)

	err := proc.Process(context.Background(), st, []model.RawEvent{serilogRaw(`{"a":1}`)}, fixedNow(time.Now()))
	require.NoError(t, err)
	// submitUnbounded's predicate is "transport success"; a 502 is
	// classified ServerErrorStructured which the unbounded predicate
	// rejects, forcing a retry — 100 failures + 1 success = 101 calls.
	assert.Equal(t, 101, ft.calls)
	assert.Equal(t, 0, st.lastBatchFailedDocs)
}

// Scenario 4: batch of 3 valid events where ES rejects one doc on every
// attempt -- 1 initial submit + 10 bounded retries + 1 quarantine submit = 12.
func TestProcess_OneDocAlwaysFails_TwelveSubmitsThenQuarantined(t *testing.T) {
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		if call == 0 {
			return 200, `{"errors":true,"items":[` +
				`{"index":{"_id":"d0","status":201}},` +
				`{"index":{"_id":"d1","status":400,"error":{"type":"mapper_parsing_exception","reason":"boom"}}},` +
				`{"index":{"_id":"d2","status":201}}` +
				`]}`
		}
		if call <= 10 {
			// bounded retry phase: the lone failing doc keeps failing.
			return 200, `{"errors":true,"items":[{"index":{"_id":"d1","status":400,"error":{"type":"mapper_parsing_exception","reason":"boom"}}}]}`
		}
		// quarantine submit succeeds.
		return 200, `{"errors":false,"items":[]}`
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, _ := newTestState(t)

	batch := []model.RawEvent{serilogRawWithID(`{"a":0}`, "d0"), serilogRawWithID(`{"a":1}`, "d1"), serilogRawWithID(`{"a":2}`, "d2")}
	err := proc.Process(context.Background(), st, batch, fixedNow(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 12, ft.calls)
	assert.Equal(t, 1, st.lastBatchFailedDocs)
	assert.Equal(t, 1, st.lastBatchAbandonedDocs)
}

// Scenario 6: single event with an embedded literal newline is invalid and quarantined.
func TestProcess_NewlineBody_QuarantinedOnly(t *testing.T) {
	var submittedBodies []string
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		submittedBodies = append(submittedBodies, string(body))
		return 200, `{"errors":false,"items":[]}`
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, _ := newTestState(t)

	raw := model.RawEvent{
		Body:       []byte("line one\nline two"),
		EnqueuedAt: time.Now().UTC(),
		Properties: map[string]model.Value{"Type": model.StringValue("SerilogEvent")},
	}
	err := proc.Process(context.Background(), st, []model.RawEvent{raw}, fixedNow(time.Now()))
	require.NoError(t, err)
	// No valid items and stats disabled => normal-path submit skipped;
	// exactly one quarantine submit for the invalid item.
	require.Len(t, submittedBodies, 1)
	assert.Contains(t, submittedBodies[0], "abandoneddocs")
	assert.Equal(t, 1, st.lastBatchAbandonedDocs)
}

func TestProcess_ChecksCheckpointAfterBatch(t *testing.T) {
	ft := &scriptedTransport{responder: func(call int, body []byte) (int, string) {
		return 200, `{"errors":false,"items":[]}`
	}}
	proc := NewProcessor(NewSubmitter(ft, nil), nil, ProcessorConfig{StatsEnabled: false})
	st, checkpoints := newTestState(t)

	err := proc.Process(context.Background(), st, []model.RawEvent{serilogRaw(`{}`)}, fixedNow(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, *checkpoints)
}

func TestClose_ShutdownForcesCheckpoint_OtherReasonsDoNot(t *testing.T) {
	proc := NewProcessor(NewSubmitter(&scriptedTransport{responder: func(int, []byte) (int, string) { return 200, "{}" }}, nil), nil, ProcessorConfig{})
	st, checkpoints := newTestState(t)

	require.NoError(t, proc.Close(context.Background(), st, model.CloseLeaseLost))
	assert.Equal(t, 0, *checkpoints)

	require.NoError(t, proc.Close(context.Background(), st, model.CloseShutdown))
	assert.Equal(t, 1, *checkpoints)
}
