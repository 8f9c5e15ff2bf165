package events

import (
	"fmt"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEventTypePrefix namespaces event types when rendered as CloudEvents.
const CloudEventTypePrefix = "io.deepinsight."

// WireEvent is the JSON shape delivered to listeners.
type WireEvent struct {
	EventID   string    `json:"event_id"`
	Sequence  int64     `json:"seq"`
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

// ToWire flattens an envelope for JSON delivery.
func ToWire(env Envelope) WireEvent {
	return WireEvent{
		EventID:   env.ID,
		Sequence:  env.Sequence,
		Type:      env.Event.EventType(),
		RequestID: string(env.Event.RequestID()),
		Timestamp: env.Event.Timestamp(),
		Data:      env.Event,
	}
}

// ToCloudEvent renders an envelope as a CloudEvents 1.0 event.
func ToCloudEvent(env Envelope) (cloudevents.Event, error) {
	requestID := string(env.Event.RequestID())

	event := cloudevents.NewEvent()
	event.SetID(env.ID)
	event.SetSource("deepinsight/requests/" + requestID)
	event.SetType(CloudEventTypePrefix + env.Event.EventType())
	event.SetTime(env.Event.Timestamp().UTC())
	event.SetSubject(requestID)
	event.SetExtension("sequence", strconv.FormatInt(env.Sequence, 10))

	if err := event.SetData(cloudevents.ApplicationJSON, env.Event); err != nil {
		return event, fmt.Errorf("setting cloudevent data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return event, nil
}
