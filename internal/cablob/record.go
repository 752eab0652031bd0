package cablob

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/jhinw/sfingest/internal/model"
)

// Schema keys fixed at construction.
const (
	SchemaNameLog          = "Log"
	SchemaNameInteractions = "Interactions"
)

// decodeLogRecord implements the SerilogEvent -> LogRecord projection.
// Unknown top-level members are ignored; unrecognized members of the
// nested "fields" object are captured into blob.
func decodeLogRecord(item model.BulkItem, schemaID string) (model.CARecord, error) {
	if !gjson.Valid(item.Body) {
		return model.CARecord{}, errInvalidJSON("log record")
	}
	root := gjson.Parse(item.Body)

	timestamp := item.Timestamp
	if ts := root.Get("@timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			timestamp = parsed
		}
	}

	rec := model.CARecord{
		SchemaName:      SchemaNameLog,
		SchemaID:        schemaID,
		Timestamp:       timestamp,
		MessageID:       item.DocID,
		Level:           root.Get("level").String(),
		Message:         root.Get("message").String(),
		MessageTemplate: root.Get("messageTemplate").String(),
	}

	fields := root.Get("fields")
	if fields.Exists() && fields.IsObject() {
		blob := make(map[string]interface{})
		fields.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			switch k {
			case "MachineName":
				rec.MachineName = value.String()
			case "MachineRole":
				rec.ApplicationName = value.String()
			default:
				blob[k] = value.Value()
			}
			return true
		})
		if len(blob) > 0 {
			rec.Fields = blob
		}
	}

	return rec, nil
}

// decodeInteractionRecord implements the RoboCustosInteraction ->
// InteractionRecord projection.
func decodeInteractionRecord(item model.BulkItem, schemaID string) (model.CARecord, error) {
	if !gjson.Valid(item.Body) {
		return model.CARecord{}, errInvalidJSON("interaction record")
	}
	root := gjson.Parse(item.Body)

	timestamp := item.Timestamp
	if ts := root.Get("timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			timestamp = parsed
		}
	}

	messageID := item.DocID
	if mid := root.Get("messageId"); mid.Exists() {
		messageID = mid.String()
	}

	interaction := root.Get("Interaction")

	rec := model.CARecord{
		SchemaName:           SchemaNameInteractions,
		SchemaID:             schemaID,
		Timestamp:            timestamp,
		MessageID:            messageID,
		RobotName:            root.Get("RobotName").String(),
		Environment:          root.Get("Information.Product.Environment").String(),
		TesterInstanceID:     root.Get("Tester.InstanceId").String(),
		DurationMS:           interaction.Get("TimeTaken").Int(),
		Happiness:            interaction.Get("HappinessGrade").String(),
		HappinessExplanation: interaction.Get("HappinessExplanation").String(),
		Blob:                 root.Value(),
	}

	if needsRootCauseWalk(rec.Happiness) {
		rec.CorrelationID = rootCauseCorrelationID(interaction, rec.Happiness)
	}

	return rec, nil
}

type decodeError struct{ msg string }

func (e decodeError) Error() string { return e.msg }

func errInvalidJSON(kind string) error { return decodeError{msg: "invalid JSON body for " + kind} }
