package protocol

import (
	"encoding/json"
	"fmt"
)

// WireMessage is the JSON envelope used by the bundled transports: a short
// kind tag plus the kind-specific body.
type WireMessage struct {
	Kind string          `json:"k"`
	Data json.RawMessage `json:"d,omitempty"`
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func eventDecoder[T Event]() func(json.RawMessage) (Event, error) {
	return func(data json.RawMessage) (Event, error) {
		v, err := decodeAs[T](data)
		return v, err
	}
}

func requestDecoder[T Request]() func(json.RawMessage) (Request, error) {
	return func(data json.RawMessage) (Request, error) {
		v, err := decodeAs[T](data)
		return v, err
	}
}

var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	SessionCreated{}.eventKind():    eventDecoder[SessionCreated](),
	Bound{}.eventKind():             eventDecoder[Bound](),
	Update{}.eventKind():            eventDecoder[Update](),
	EndOfSnapshot{}.eventKind():     eventDecoder[EndOfSnapshot](),
	ClearSnapshot{}.eventKind():     eventDecoder[ClearSnapshot](),
	Overflow{}.eventKind():          eventDecoder[Overflow](),
	SubscribeOK{}.eventKind():       eventDecoder[SubscribeOK](),
	UnsubscribeOK{}.eventKind():     eventDecoder[UnsubscribeOK](),
	Reconfigured{}.eventKind():      eventDecoder[Reconfigured](),
	SubscriptionError{}.eventKind(): eventDecoder[SubscriptionError](),
	MessageOutcome{}.eventKind():    eventDecoder[MessageOutcome](),
	Keepalive{}.eventKind():         eventDecoder[Keepalive](),
	Loop{}.eventKind():              eventDecoder[Loop](),
	ServerError{}.eventKind():       eventDecoder[ServerError](),
	AuthChallenge{}.eventKind():     eventDecoder[AuthChallenge](),
	Constrained{}.eventKind():       eventDecoder[Constrained](),
	ServerName{}.eventKind():        eventDecoder[ServerName](),
	ClientIP{}.eventKind():          eventDecoder[ClientIP](),
}

var requestDecoders = map[string]func(json.RawMessage) (Request, error){
	CreateSession{}.requestKind(): requestDecoder[CreateSession](),
	BindSession{}.requestKind():   requestDecoder[BindSession](),
	Subscribe{}.requestKind():     requestDecoder[Subscribe](),
	Unsubscribe{}.requestKind():   requestDecoder[Unsubscribe](),
	Reconfigure{}.requestKind():   requestDecoder[Reconfigure](),
	SendMessage{}.requestKind():   requestDecoder[SendMessage](),
	Heartbeat{}.requestKind():     requestDecoder[Heartbeat](),
	Constrain{}.requestKind():     requestDecoder[Constrain](),
	Authenticate{}.requestKind():  requestDecoder[Authenticate](),
	Destroy{}.requestKind():       requestDecoder[Destroy](),
}

func encode(kind string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", kind, err)
	}
	return json.Marshal(WireMessage{Kind: kind, Data: data})
}

// EncodeRequest renders a request as a wire message.
func EncodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	return encode(req.requestKind(), req)
}

// EncodeEvent renders an event as a wire message. Closed and ParseError are
// local conditions and cannot be encoded.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	kind := ev.eventKind()
	if _, ok := eventDecoders[kind]; !ok {
		return nil, fmt.Errorf("event kind %q has no wire form", kind)
	}
	return encode(kind, ev)
}

// DecodeEvent parses one wire message into an event.
func DecodeEvent(data []byte) (Event, error) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wire message: %w", err)
	}
	decoder, ok := eventDecoders[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", msg.Kind)
	}
	ev, err := decoder(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", msg.Kind, err)
	}
	return ev, nil
}

// DecodeRequest parses one wire message into a request.
func DecodeRequest(data []byte) (Request, error) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wire message: %w", err)
	}
	decoder, ok := requestDecoders[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q", msg.Kind)
	}
	req, err := decoder(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s request: %w", msg.Kind, err)
	}
	return req, nil
}
