package esbulk

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeTransport) Bulk(body io.Reader, o ...func(*esapi.BulkRequest)) (*esapi.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &esapi.Response{StatusCode: r.status, Body: io.NopCloser(strings.NewReader(r.body))}, nil
}

func TestSubmitUnbounded_RetriesTransportFailureThenSucceeds(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{status: 200, body: `{"errors":false,"items":[]}`},
	}}
	s := NewSubmitter(ft, nil)

	resp, err := s.SubmitUnbounded(context.Background(), []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, ServerSuccess, resp.Kind)
	assert.False(t, resp.HasErrors)
	assert.Equal(t, 3, ft.calls)
}

func TestSubmitBounded_ExtractsPerItemFailures(t *testing.T) {
	body := `{"errors":true,"items":[{"index":{"_id":"d1","status":201}},{"index":{"_id":"d2","status":400,"error":{"type":"mapper_parsing_exception","reason":"boom"}}}]}`
	ft := &fakeTransport{responses: []fakeResponse{{status: 200, body: body}}}
	s := NewSubmitter(ft, nil)

	resp, err := s.SubmitBounded(context.Background(), []byte("body"), 0)
	require.NoError(t, err)
	assert.True(t, resp.HasErrors)
	require.Len(t, resp.FailedItems, 1)
	assert.Equal(t, "d2", resp.FailedItems[0].DocID)
	assert.Equal(t, "mapper_parsing_exception", resp.FailedItems[0].Type)
}

func TestSubmit_ServerErrorStructured(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{{status: 503, body: `{"error":{"type":"unavailable","reason":"cluster unavailable"}}`}}}
	resp, err := submit(context.Background(), ft, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, ServerErrorStructured, resp.Kind)
	assert.Equal(t, "cluster unavailable", resp.ErrorMessage)
}
