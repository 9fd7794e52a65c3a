package protocol

import "time"

// Request is an outbound protocol request.
type Request interface {
	requestKind() string
}

type CreateSession struct {
	AdapterSet        string        `json:"adapterSet,omitempty"`
	User              string        `json:"user,omitempty"`
	Password          string        `json:"password,omitempty"`
	Polling           bool          `json:"polling,omitempty"`
	KeepaliveInterval time.Duration `json:"keepalive,omitempty"`
	IdleTimeout       time.Duration `json:"idle,omitempty"`
	PollingInterval   time.Duration `json:"pollingInterval,omitempty"`
	ContentLength     int64         `json:"contentLength,omitempty"`
	MaxBandwidth      string        `json:"bandwidth,omitempty"`
	OldSessionID      string        `json:"oldSession,omitempty"`
}

type BindSession struct {
	SessionID         string        `json:"session"`
	Polling           bool          `json:"polling,omitempty"`
	KeepaliveInterval time.Duration `json:"keepalive,omitempty"`
	IdleTimeout       time.Duration `json:"idle,omitempty"`
	PollingInterval   time.Duration `json:"pollingInterval,omitempty"`
	ContentLength     int64         `json:"contentLength,omitempty"`
}

// Subscribe carries either Items or Group, and either Fields or Schema.
type Subscribe struct {
	SubID        int      `json:"sub"`
	Mode         string   `json:"mode"`
	Items        []string `json:"items,omitempty"`
	Group        string   `json:"group,omitempty"`
	Fields       []string `json:"fields,omitempty"`
	Schema       string   `json:"schema,omitempty"`
	DataAdapter  string   `json:"adapter,omitempty"`
	Selector     string   `json:"selector,omitempty"`
	Snapshot     string   `json:"snapshot,omitempty"`
	BufferSize   string   `json:"buffer,omitempty"`
	MaxFrequency string   `json:"frequency,omitempty"`
}

type Unsubscribe struct {
	SubID int `json:"sub"`
}

type Reconfigure struct {
	SubID        int    `json:"sub"`
	MaxFrequency string `json:"frequency"`
}

// SendMessage carries a user message. Timeout of zero leaves the server default.
type SendMessage struct {
	Sequence string        `json:"sequence"`
	Prog     int           `json:"prog"`
	Text     string        `json:"text"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

type Heartbeat struct{}

type Constrain struct {
	MaxBandwidth string `json:"bandwidth"`
}

// Authenticate answers an AuthChallenge.
type Authenticate struct {
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type Destroy struct {
	SessionID string `json:"session"`
	Cause     string `json:"cause,omitempty"`
}

func (CreateSession) requestKind() string { return "create" }
func (BindSession) requestKind() string   { return "bind" }
func (Subscribe) requestKind() string     { return "sub" }
func (Unsubscribe) requestKind() string   { return "unsub" }
func (Reconfigure) requestKind() string   { return "reconf" }
func (SendMessage) requestKind() string   { return "msg" }
func (Heartbeat) requestKind() string     { return "heartbeat" }
func (Constrain) requestKind() string     { return "constrain" }
func (Authenticate) requestKind() string  { return "auth" }
func (Destroy) requestKind() string       { return "destroy" }
