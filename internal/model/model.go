// Package model defines the in-pipeline record shapes shared by the
// classifier, the ES delivery pipeline and the CA delivery pipeline.
package model

import "time"

// Index family names. Time-partitioned families get a "-YYYY.MM.DD" suffix
// appended to the base name; azure-resources is flat.
const (
	IndexBaseLogstash          = "logstash"
	IndexBaseRoboInteractions  = "robointeractions"
	IndexBaseExternalTelemetry = "externaltelemetry"
	IndexBaseAzureResources    = "azure-resources"
	IndexBaseIngestionStats    = "ingestionstats"
	IndexBaseAbandonedDocs     = "abandoneddocs"
)

// DocType values used when the source event carries no explicit override.
const (
	DocTypeLogEvent          = "logevent"
	DocTypeInteraction       = "interaction"
	DocTypeTelemetryEvent    = "telemetryevent"
	DocTypeAzureMetadata     = "metadata"
	DocTypeBatchStats        = "batchstats"
	DocTypePerPartitionStats = "perpartitionstats"
	DocTypeAbandonedDocInfo  = "abandoneddocinfo"
)

// ValueKind identifies which variant of Value is populated.
type ValueKind int

const (
	// KindNone marks an absent attribute.
	KindNone ValueKind = iota
	KindString
	KindInt
	KindTimestamp
)

// Value is the closed sum type for RawEvent attribute values: a string, an
// integer, or a timestamp. Any other kind is a classification error at the
// boundary.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	Time time.Time
}

// StringValue builds a Value carrying a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue builds a Value carrying an integer.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// TimeValue builds a Value carrying a timestamp.
func TimeValue(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }

// AsString returns the string form of v when v.Kind == KindString, and false
// otherwise. Classification treats any other kind as an error when a string
// is required (Type, MessageId, Timestamp, Source).
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// RawEvent is the event handed to the pipeline by the Consumer Host for
// exactly one process() call. The pipeline must not retain references to it
// (or its Body slice) after that call returns.
type RawEvent struct {
	Body       []byte
	EnqueuedAt time.Time
	Properties map[string]Value
}

// BulkItem is the in-pipeline normalized form of a valid event.
type BulkItem struct {
	IndexBase   string
	IndexName   string
	DocType     string
	DocID       string
	Timestamp   time.Time
	EnqueueTime time.Time
	Body        string
}

// InvalidItem is a RawEvent that failed classification. It carries no
// routing fields and is quarantined without submission.
type InvalidItem struct {
	MessageID     string
	Timestamp     time.Time
	EnqueueTime   time.Time
	Body          string
	InvalidReason string
}

// IndexNameFor resolves the destination index for a given base/timestamp
// pair, honoring the flat-vs-time-partitioned split.
func IndexNameFor(indexBase string, ts time.Time) string {
	if indexBase == IndexBaseAzureResources {
		return indexBase
	}
	return indexBase + "-" + ts.UTC().Format("2006.01.02")
}

// CARecord is the schema-typed record appended to a CA Schema Sink buffer.
type CARecord struct {
	SchemaName    string      `json:"schemaName"`
	SchemaID      string      `json:"schemaId"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
	MachineName   string      `json:"machineName,omitempty"`
	MessageID     string      `json:"messageId,omitempty"`
	Blob          interface{} `json:"blob,omitempty"`

	// Log-schema specific fields. Zero-valued and omitted for other schemas.
	Level           string                 `json:"level,omitempty"`
	Message         string                 `json:"message,omitempty"`
	MessageTemplate string                 `json:"messageTemplate,omitempty"`
	ApplicationName string                 `json:"applicationName,omitempty"`
	Fields          map[string]interface{} `json:"fields,omitempty"`

	// Interaction-schema specific fields.
	DurationMS           int64  `json:"durationMs,omitempty"`
	Happiness            string `json:"happiness,omitempty"`
	HappinessExplanation string `json:"happinessExplanation,omitempty"`
	RobotName            string `json:"robotName,omitempty"`
	Environment          string `json:"environment,omitempty"`
	TesterInstanceID     string `json:"testerInstanceId,omitempty"`
}

// PartitionCloseReason enumerates why the Consumer Host closed a partition.
type PartitionCloseReason int

const (
	CloseShutdown PartitionCloseReason = iota
	CloseLeaseLost
	CloseFailure
)

func (r PartitionCloseReason) String() string {
	switch r {
	case CloseShutdown:
		return "shutdown"
	case CloseLeaseLost:
		return "lease_lost"
	case CloseFailure:
		return "failure"
	default:
		return "unknown"
	}
}
