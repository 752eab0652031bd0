package cablob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhinw/sfingest/internal/model"
)

func TestDecodeLogRecord_PrefersBodyTimestampOverClassifierTimestamp(t *testing.T) {
	item := model.BulkItem{
		DocID:     "d0",
		Timestamp: time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC),
		Body:      `{"level":"Information","message":"m","messageTemplate":"tmpl","@timestamp":"2026-07-29T01:02:03Z"}`,
	}

	rec, err := decodeLogRecord(item, "log-schema-id")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 29, 1, 2, 3, 0, time.UTC), rec.Timestamp)
}

func TestDecodeLogRecord_FallsBackToClassifierTimestampWhenBodyTimestampMissingOrInvalid(t *testing.T) {
	classifierTS := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	missing := model.BulkItem{DocID: "d0", Timestamp: classifierTS, Body: `{"level":"Information","message":"m"}`}
	rec, err := decodeLogRecord(missing, "log-schema-id")
	require.NoError(t, err)
	assert.Equal(t, classifierTS, rec.Timestamp)

	invalid := model.BulkItem{DocID: "d1", Timestamp: classifierTS, Body: `{"@timestamp":"not-a-timestamp"}`}
	rec, err = decodeLogRecord(invalid, "log-schema-id")
	require.NoError(t, err)
	assert.Equal(t, classifierTS, rec.Timestamp)
}

func TestDecodeLogRecord_CapturesMachineNameAndRoleAndFoldsRestIntoFields(t *testing.T) {
	item := model.BulkItem{
		DocID:     "d0",
		Timestamp: time.Now().UTC(),
		Body:      `{"message":"m","fields":{"MachineName":"host1","MachineRole":"ingest","RequestId":"r1"}}`,
	}

	rec, err := decodeLogRecord(item, "log-schema-id")
	require.NoError(t, err)
	assert.Equal(t, "host1", rec.MachineName)
	assert.Equal(t, "ingest", rec.ApplicationName)
	assert.Equal(t, "r1", rec.Fields["RequestId"])
	_, hasMachineName := rec.Fields["MachineName"]
	assert.False(t, hasMachineName, "MachineName is projected to its own field, not folded into fields")
}
