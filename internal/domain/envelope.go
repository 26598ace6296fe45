package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

const DefaultQuality = "medium"

// Wire field names.
const (
	FieldType       = "type"
	FieldDeviceID   = "device_id"
	FieldTimestamp  = "timestamp"
	FieldStatus     = "status"
	FieldRequestID  = "request_id"
	FieldQuality    = "quality"
	FieldCommand    = "command"
	FieldParameters = "parameters"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindStatusUpdate
	KindVideoFrameMarker
	KindControlCommand
	KindVideoRequest
	KindConnectionEstablished
	KindHeartbeatResponse
	KindStartVideoStream
)

var kindNames = map[Kind]string{
	KindHeartbeat:             "heartbeat",
	KindStatusUpdate:          "status_update",
	KindVideoFrameMarker:      "video_frame",
	KindControlCommand:        "control_command",
	KindVideoRequest:          "request_video",
	KindConnectionEstablished: "connection_established",
	KindHeartbeatResponse:     "heartbeat_response",
	KindStartVideoStream:      "start_video_stream",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

func ParseKind(s string) Kind {
	return kindsByName[s]
}

// Envelope is one typed message exchanged over a connection.
// The zero value is an unknown-kind envelope with no fields.
type Envelope struct {
	kind     Kind
	deviceID DeviceID
	fields   map[string]any
}

// NewEnvelope copies fields, so later changes to the caller's map are not
// visible through the envelope.
func NewEnvelope(kind Kind, deviceID DeviceID, fields map[string]any) Envelope {
	return Envelope{kind: kind, deviceID: deviceID, fields: cloneFields(fields)}
}

func (e Envelope) Kind() Kind         { return e.kind }
func (e Envelope) DeviceID() DeviceID { return e.deviceID }

func (e Envelope) Field(name string) (any, bool) {
	v, ok := e.fields[name]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Str returns a string field, or "" when absent or of another type.
func (e Envelope) Str(name string) string {
	s, _ := e.fields[name].(string)
	return s
}

func (e Envelope) Fields() map[string]any {
	return cloneFields(e.fields)
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s(device=%s)", e.kind, e.deviceID)
}

// Encode renders the envelope as a JSON object. device_id is omitted when
// empty.
func (e Envelope) Encode() ([]byte, error) {
	out := make(map[string]any, len(e.fields)+2)
	for k, v := range e.fields {
		out[k] = v
	}
	out[FieldType] = e.kind.String()
	if e.deviceID != "" {
		out[FieldDeviceID] = string(e.deviceID)
	} else {
		delete(out, FieldDeviceID)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.kind, err)
	}
	return b, nil
}

// Decode parses one wire envelope. Numbers are kept as json.Number so that
// echoed values keep their exact textual form. A missing or non-string type
// yields KindUnknown rather than an error.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}

	env := Envelope{fields: raw}
	if t, ok := raw[FieldType].(string); ok {
		env.kind = ParseKind(t)
	}
	if d, ok := raw[FieldDeviceID].(string); ok {
		env.deviceID = DeviceID(d)
	}
	delete(raw, FieldType)
	delete(raw, FieldDeviceID)
	return env, nil
}

func NewHeartbeatResponse(device DeviceID, timestamp any) Envelope {
	return Envelope{
		kind:     KindHeartbeatResponse,
		deviceID: device,
		fields:   map[string]any{FieldTimestamp: cloneValue(timestamp)},
	}
}

func NewStatusUpdate(device DeviceID, status, timestamp any) Envelope {
	return Envelope{
		kind:     KindStatusUpdate,
		deviceID: device,
		fields: map[string]any{
			FieldStatus:    cloneValue(status),
			FieldTimestamp: cloneValue(timestamp),
		},
	}
}

// NewStartVideoStream falls back to DefaultQuality when quality is empty.
func NewStartVideoStream(requestID any, quality string) Envelope {
	if quality == "" {
		quality = DefaultQuality
	}
	return Envelope{
		kind: KindStartVideoStream,
		fields: map[string]any{
			FieldRequestID: cloneValue(requestID),
			FieldQuality:   quality,
		},
	}
}

// NewControlCommand uses an empty parameter object when params is nil.
func NewControlCommand(command any, params map[string]any) Envelope {
	if params == nil {
		params = map[string]any{}
	}
	return Envelope{
		kind: KindControlCommand,
		fields: map[string]any{
			FieldCommand:    cloneValue(command),
			FieldParameters: cloneFields(params),
		},
	}
}

func NewConnectionEstablished(device DeviceID, at time.Time) Envelope {
	return Envelope{
		kind:     KindConnectionEstablished,
		deviceID: device,
		fields:   map[string]any{FieldTimestamp: at.UTC().Format(time.RFC3339Nano)},
	}
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
