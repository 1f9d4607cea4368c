// Package invalidation fans reference data invalidations out across service
// instances. Notices are CloudEvents carried over Google Cloud Pub/Sub.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
)

// EventType is the CloudEvents type of an invalidation notice.
const EventType = "org.ifrc.go.refdata.invalidated"

// ErrMalformedNotice is returned for messages that are not invalidation notices.
var ErrMalformedNotice = errors.New("malformed invalidation notice")

// NoticeData is the event payload.
type NoticeData struct {
	Key refdata.Key `json:"key"`
}

// Notice is a decoded invalidation notice.
type Notice struct {
	ID     string
	Source string
	Key    refdata.Key
	Time   time.Time
}

// NewNotice builds the CloudEvent announcing that key was invalidated by source.
func NewNotice(source string, key refdata.Key, at time.Time) (cloudevents.Event, error) {
	if !key.Valid() {
		return cloudevents.Event{}, fmt.Errorf("%w: %s", refdata.ErrUnknownKey, key)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return cloudevents.Event{}, fmt.Errorf("generating notice id: %w", err)
	}

	event := cloudevents.NewEvent()
	event.SetID(id.String())
	event.SetType(EventType)
	event.SetSource(source)
	event.SetSubject(key.String())
	event.SetTime(at)
	if err := event.SetData(cloudevents.ApplicationJSON, NoticeData{Key: key}); err != nil {
		return cloudevents.Event{}, fmt.Errorf("setting notice data: %w", err)
	}
	return event, nil
}

// EncodeNotice returns the structured JSON form of a notice for key.
func EncodeNotice(source string, key refdata.Key, at time.Time) ([]byte, error) {
	event, err := NewNotice(source, key, at)
	if err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// DecodeNotice parses a structured JSON CloudEvent. Anything other than a valid
// invalidation notice for a known key wraps ErrMalformedNotice.
func DecodeNotice(payload []byte) (Notice, error) {
	var event cloudevents.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Notice{}, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if err := event.Validate(); err != nil {
		return Notice{}, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if event.Type() != EventType {
		return Notice{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedNotice, event.Type())
	}

	// Key is decoded as text so unknown names fail here.
	var data NoticeData
	if err := event.DataAs(&data); err != nil {
		return Notice{}, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if !data.Key.Valid() {
		return Notice{}, fmt.Errorf("%w: missing key", ErrMalformedNotice)
	}
	return Notice{
		ID:     event.ID(),
		Source: event.Source(),
		Key:    data.Key,
		Time:   event.Time(),
	}, nil
}
