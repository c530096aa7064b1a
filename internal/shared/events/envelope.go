package events

import (
	"encoding/json"
	"time"
)

// Envelope is the shared event shape used across pollcast processes.
// Fields must stay backward compatible for bus consumers.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	OccurredAt       time.Time       `json:"occurred_at"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    int             `json:"schema_version"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	Data             json.RawMessage `json:"data"`
}

// NewEnvelope marshals data and fills the canonical envelope fields.
func NewEnvelope(
	eventID string,
	eventType string,
	sourceService string,
	partitionKeyPath string,
	partitionKey string,
	occurredAt time.Time,
	data any,
) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    sourceService,
		TraceID:          eventID,
		SchemaVersion:    1,
		PartitionKeyPath: partitionKeyPath,
		PartitionKey:     partitionKey,
		Data:             payload,
	}, nil
}
