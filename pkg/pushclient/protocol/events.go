package protocol

import "time"

// Event is a parsed inbound protocol event.
type Event interface {
	eventKind() string
}

// SessionCreated answers a CreateSession request.
type SessionCreated struct {
	SessionID             string        `json:"session"`
	ServerInstanceAddress string        `json:"instance,omitempty"`
	KeepaliveInterval     time.Duration `json:"keepalive,omitempty"`
	ContentLength         int64         `json:"contentLength,omitempty"`
	MaxBandwidth          string        `json:"bandwidth,omitempty"`
}

// Bound confirms a BindSession request on the connection that carried it.
type Bound struct {
	SessionID         string        `json:"session"`
	KeepaliveInterval time.Duration `json:"keepalive,omitempty"`
}

// FieldValue is one field of an update frame. Unchanged means the value is the
// same as in the previous update for the item; otherwise Value holds the new
// value, nil standing for a null field.
type FieldValue struct {
	Unchanged bool    `json:"u,omitempty"`
	Value     *string `json:"v,omitempty"`
}

// Update carries new values for one item of a subscription. Item is 1-based.
type Update struct {
	SubID  int          `json:"sub"`
	Item   int          `json:"item"`
	Values []FieldValue `json:"values"`
}

type EndOfSnapshot struct {
	SubID int `json:"sub"`
	Item  int `json:"item"`
}

type ClearSnapshot struct {
	SubID int `json:"sub"`
	Item  int `json:"item"`
}

// Overflow reports updates dropped by the server for an item.
type Overflow struct {
	SubID int `json:"sub"`
	Item  int `json:"item"`
	Lost  int `json:"lost"`
}

// SubscribeOK confirms a subscription. KeyPos and CmdPos are 1-based field
// positions and only meaningful in COMMAND mode.
type SubscribeOK struct {
	SubID  int `json:"sub"`
	Items  int `json:"items"`
	Fields int `json:"fields"`
	KeyPos int `json:"keyPos,omitempty"`
	CmdPos int `json:"cmdPos,omitempty"`
}

type UnsubscribeOK struct {
	SubID int `json:"sub"`
}

// Reconfigured reports the frequency the server actually applies.
type Reconfigured struct {
	SubID        int    `json:"sub"`
	MaxFrequency string `json:"frequency"`
}

type SubscriptionError struct {
	SubID   int    `json:"sub"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Outcome is the server's verdict on a sent message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDenied    Outcome = "denied"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

type MessageOutcome struct {
	Sequence string  `json:"sequence"`
	Prog     int     `json:"prog"`
	Outcome  Outcome `json:"outcome"`
	Code     int     `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
	Response string  `json:"response,omitempty"`
}

type Keepalive struct{}

// Loop ends the current stream or poll; the client is expected to bind again.
type Loop struct {
	ExpectedDelay time.Duration `json:"delay,omitempty"`
}

// ServerError is a session-level refusal or forced closure carrying an
// explicit code.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *ServerError) Error() string {
	return e.Message
}

// Closed reports the end of the physical connection.
type Closed struct {
	Err error `json:"-"`
}

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	Err error  `json:"-"`
	Raw string `json:"-"`
}

// AuthChallenge asks for credentials on the connection that received it.
type AuthChallenge struct {
	Realm string `json:"realm,omitempty"`
}

// Constrained reports the bandwidth the server applies after a Constrain request.
type Constrained struct {
	MaxBandwidth string `json:"bandwidth"`
}

type ServerName struct {
	Name string `json:"name"`
}

type ClientIP struct {
	IP string `json:"ip"`
}

func (SessionCreated) eventKind() string    { return "conok" }
func (Bound) eventKind() string             { return "bound" }
func (Update) eventKind() string            { return "u" }
func (EndOfSnapshot) eventKind() string     { return "eos" }
func (ClearSnapshot) eventKind() string     { return "cs" }
func (Overflow) eventKind() string          { return "ov" }
func (SubscribeOK) eventKind() string       { return "subok" }
func (UnsubscribeOK) eventKind() string     { return "unsub" }
func (Reconfigured) eventKind() string      { return "conf" }
func (SubscriptionError) eventKind() string { return "suberr" }
func (MessageOutcome) eventKind() string    { return "msg" }
func (Keepalive) eventKind() string         { return "probe" }
func (Loop) eventKind() string              { return "loop" }
func (ServerError) eventKind() string       { return "end" }
func (Closed) eventKind() string            { return "closed" }
func (ParseError) eventKind() string        { return "parseerr" }
func (AuthChallenge) eventKind() string     { return "auth" }
func (Constrained) eventKind() string       { return "cons" }
func (ServerName) eventKind() string        { return "servname" }
func (ClientIP) eventKind() string          { return "clientip" }
