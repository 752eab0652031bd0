package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhinw/sfingest/internal/model"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestClassify_SerilogRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ts := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	raw := model.RawEvent{
		Body:       []byte(`{"hello":"world"}`),
		EnqueuedAt: now,
		Properties: map[string]model.Value{
			"Type":      model.StringValue(TypeSerilog),
			"MessageId": model.StringValue("m-1"),
			"Timestamp": model.StringValue(ts.Format(time.RFC3339)),
		},
	}

	result := Classify(raw, fixedNow(now))
	require.NotNil(t, result.Valid)
	require.Nil(t, result.Invalid)

	item := result.Valid
	assert.Equal(t, model.IndexBaseLogstash, item.IndexBase)
	assert.Equal(t, model.DocTypeLogEvent, item.DocType)
	assert.Equal(t, "m-1", item.DocID)
	assert.True(t, item.Timestamp.Equal(ts))
	assert.Equal(t, `{"hello":"world"}`, item.Body)
	assert.Equal(t, "logstash-2025.12.31", item.IndexName)
}

func TestClassify_MissingTypeFallsBackToBodyInference(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2026, 1, 1, 1, 2, 3, 0, time.UTC)
	body := `{"message":"hi","messageTemplate":"hi {x}","@timestamp":"` + ts.Format(time.RFC3339) + `"}`
	raw := model.RawEvent{Body: []byte(body), EnqueuedAt: now, Properties: map[string]model.Value{}}

	result := Classify(raw, fixedNow(now))
	require.NotNil(t, result.Valid)
	assert.Equal(t, model.IndexBaseLogstash, result.Valid.IndexBase)
	assert.True(t, result.Valid.Timestamp.Equal(ts))
}

func TestClassify_MissingTypeNoInference_Invalid(t *testing.T) {
	now := time.Now().UTC()
	raw := model.RawEvent{Body: []byte(`{"foo":"bar"}`), EnqueuedAt: now, Properties: map[string]model.Value{}}

	result := Classify(raw, fixedNow(now))
	require.Nil(t, result.Valid)
	require.NotNil(t, result.Invalid)
	assert.Equal(t, "Missing or invalid Type", result.Invalid.InvalidReason)
}

func TestClassify_NewlineInBodyIsInvalid(t *testing.T) {
	now := time.Now().UTC()
	raw := model.RawEvent{
		Body:       []byte("line one\nline two"),
		EnqueuedAt: now,
		Properties: map[string]model.Value{"Type": model.StringValue(TypeSerilog)},
	}

	result := Classify(raw, fixedNow(now))
	require.Nil(t, result.Valid)
	require.NotNil(t, result.Invalid)
	assert.Equal(t, "Document body contains newlines", result.Invalid.InvalidReason)
}

func TestClassify_DefaultsMessageIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	raw := model.RawEvent{
		Body:       []byte(`{}`),
		EnqueuedAt: now,
		Properties: map[string]model.Value{"Type": model.StringValue(TypeSerilog)},
	}

	result := Classify(raw, fixedNow(now))
	require.NotNil(t, result.Valid)
	assert.NotEmpty(t, result.Valid.DocID)
	assert.True(t, result.Valid.Timestamp.Equal(now))
}

func TestClassify_AzureResourcesIsFlatIndex(t *testing.T) {
	now := time.Now().UTC()
	raw := model.RawEvent{
		Body:       []byte(`{}`),
		EnqueuedAt: now,
		Properties: map[string]model.Value{
			"Type":   model.StringValue(TypeAzureResource),
			"Source": model.StringValue("vm"),
		},
	}

	result := Classify(raw, fixedNow(now))
	require.NotNil(t, result.Valid)
	assert.Equal(t, model.IndexBaseAzureResources, result.Valid.IndexName)
	assert.Equal(t, "vm", result.Valid.DocType)
}

func TestClassify_WrongAttributeKindIsInvalid(t *testing.T) {
	now := time.Now().UTC()
	raw := model.RawEvent{
		Body:       []byte(`{}`),
		EnqueuedAt: now,
		Properties: map[string]model.Value{"Type": model.IntValue(1)},
	}

	result := Classify(raw, fixedNow(now))
	require.Nil(t, result.Valid)
	require.NotNil(t, result.Invalid)
}
