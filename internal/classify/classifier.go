// Package classify turns a RawEvent into a typed, routed BulkItem or an
// InvalidItem.
package classify

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid"
	"github.com/tidwall/gjson"

	"github.com/jhinw/sfingest/internal/model"
)

// Event type attribute values recognized by the routing table.
const (
	TypeSerilog       = "SerilogEvent"
	TypeInteraction   = "RoboCustosInteraction"
	TypeTelemetry     = "ExternalTelemetry"
	TypeAzureResource = "azure-resources"
)

// Result is the outcome of classifying one RawEvent: exactly one of Valid or
// Invalid is populated.
type Result struct {
	Valid   *model.BulkItem
	Invalid *model.InvalidItem
}

// Classify implements the five-step classification algorithm.
func Classify(raw model.RawEvent, now func() time.Time) Result {
	typ, ok := stringAttr(raw.Properties, "Type")
	if !ok && hadWrongKind(raw.Properties, "Type") {
		return invalid(raw, now, "invalid Type attribute kind")
	}
	msgID, ok := stringAttr(raw.Properties, "MessageId")
	if !ok && hadWrongKind(raw.Properties, "MessageId") {
		return invalid(raw, now, "invalid MessageId attribute kind")
	}
	tsAttr, ok := stringAttr(raw.Properties, "Timestamp")
	if !ok && hadWrongKind(raw.Properties, "Timestamp") {
		return invalid(raw, now, "invalid Timestamp attribute kind")
	}
	source, ok := stringAttr(raw.Properties, "Source")
	if !ok && hadWrongKind(raw.Properties, "Source") {
		return invalid(raw, now, "invalid Source attribute kind")
	}

	if !utf8.Valid(raw.Body) {
		return invalid(raw, now, "body is not valid UTF-8")
	}
	body := string(raw.Body)

	var (
		indexBase string
		docType   string
		flat      bool
		timestamp time.Time
		haveTS    bool
	)

	switch {
	case typ == TypeSerilog:
		indexBase, docType = model.IndexBaseLogstash, model.DocTypeLogEvent
	case typ == TypeInteraction:
		indexBase, docType = model.IndexBaseRoboInteractions, model.DocTypeInteraction
	case typ == TypeTelemetry:
		indexBase = model.IndexBaseExternalTelemetry
		docType = model.DocTypeTelemetryEvent
		if source != "" {
			docType = source
		}
	case typ == TypeAzureResource:
		indexBase = model.IndexBaseAzureResources
		docType = model.DocTypeAzureMetadata
		if source != "" {
			docType = source
		}
		flat = true
	case typ == "":
		inferredIndexBase, inferredDocType, inferredTS, inferredOK := inferSerilog(body)
		if !inferredOK {
			return invalid(raw, now, "Missing or invalid Type")
		}
		indexBase, docType = inferredIndexBase, inferredDocType
		timestamp, haveTS = inferredTS, true
	default:
		return invalid(raw, now, "Missing or invalid Type")
	}

	if msgID == "" {
		msgID = newUUID()
	}
	if !haveTS {
		if tsAttr != "" {
			parsed, err := time.Parse(time.RFC3339, tsAttr)
			if err != nil {
				return invalid(raw, now, "invalid Timestamp value")
			}
			timestamp = parsed
		} else {
			timestamp = now().UTC()
		}
	}

	if strings.IndexByte(body, '\n') >= 0 {
		return invalid(raw, now, "Document body contains newlines")
	}

	indexName := indexNameFor(indexBase, flat, timestamp)

	item := &model.BulkItem{
		IndexBase:   indexBase,
		IndexName:   indexName,
		DocType:     docType,
		DocID:       msgID,
		Timestamp:   timestamp,
		EnqueueTime: raw.EnqueuedAt,
		Body:        body,
	}
	return Result{Valid: item}
}

func indexNameFor(indexBase string, flat bool, ts time.Time) string {
	if flat {
		return indexBase
	}
	return model.IndexNameFor(indexBase, ts)
}

// inferSerilog implements step 3's body-inference fallback: an object
// carrying all of message, messageTemplate and @timestamp is treated as an
// implicit SerilogEvent.
func inferSerilog(body string) (indexBase, docType string, ts time.Time, ok bool) {
	if !gjson.Valid(body) {
		return "", "", time.Time{}, false
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return "", "", time.Time{}, false
	}
	message := root.Get("message")
	template := root.Get("messageTemplate")
	atTimestamp := root.Get("@timestamp")
	if message.Type != gjson.String || template.Type != gjson.String || atTimestamp.Type != gjson.String {
		return "", "", time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, atTimestamp.String())
	if err != nil {
		return "", "", time.Time{}, false
	}
	return model.IndexBaseLogstash, model.DocTypeLogEvent, parsed, true
}

func stringAttr(props map[string]model.Value, key string) (string, bool) {
	v, present := props[key]
	if !present {
		return "", false
	}
	return v.AsString()
}

func hadWrongKind(props map[string]model.Value, key string) bool {
	v, present := props[key]
	return present && v.Kind != model.KindString
}

func newUUID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if the system CSPRNG is broken; fall back to
		// a timestamp-derived id rather than panicking mid-batch.
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id.String()
}

func invalid(raw model.RawEvent, now func() time.Time, reason string) Result {
	msgID, _ := stringAttr(raw.Properties, "MessageId")
	if msgID == "" {
		msgID = newUUID()
	}
	ts := now().UTC()
	if tsAttr, ok := stringAttr(raw.Properties, "Timestamp"); ok {
		if parsed, err := time.Parse(time.RFC3339, tsAttr); err == nil {
			ts = parsed
		}
	}
	body := ""
	if utf8.Valid(raw.Body) {
		body = string(raw.Body)
	}
	return Result{Invalid: &model.InvalidItem{
		MessageID:     msgID,
		Timestamp:     ts,
		EnqueueTime:   raw.EnqueuedAt,
		Body:          body,
		InvalidReason: reason,
	}}
}
