// Package message implements the outbound message channel: per-sequence
// queues that transmit in order and report exactly one outcome per message.
package message

import (
	"sync/atomic"
	"time"
)

// Unordered is the sequence of messages that carry no ordering constraint.
const Unordered = "UNORDERED_MESSAGES"

// Outcome is the terminal state of a message.
type Outcome int

const (
	Pending Outcome = iota
	Processed
	Denied
	Failed
	Discarded
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Denied:
		return "denied"
	case Failed:
		return "failed"
	case Discarded:
		return "discarded"
	case Aborted:
		return "aborted"
	default:
		return "pending"
	}
}

// Delegate receives the outcome of a message. Exactly one method is called
// per message.
type Delegate interface {
	OnProcessed(msg *Message, response string)
	OnDenied(msg *Message, code int, reason string)
	OnFailed(msg *Message)
	OnDiscarded(msg *Message)
	OnAbort(msg *Message, sentOnNetwork bool)
}

// BaseDelegate implements Delegate with no-ops, for embedding.
type BaseDelegate struct{}

func (BaseDelegate) OnProcessed(*Message, string)   {}
func (BaseDelegate) OnDenied(*Message, int, string) {}
func (BaseDelegate) OnFailed(*Message)              {}
func (BaseDelegate) OnDiscarded(*Message)           {}
func (BaseDelegate) OnAbort(*Message, bool)         {}

// Message is one outbound message. The exported fields are read by the queue
// on submission and must not change afterwards.
type Message struct {
	Text     string
	Sequence string
	// Timeout of zero leaves the decision to the server.
	Timeout                  time.Duration
	EnqueueWhileDisconnected bool
	Delegate                 Delegate

	submitted atomic.Bool

	queued  bool
	prog    int
	sent    bool
	carried bool
	dueAt   time.Time

	outcome       Outcome
	code          int
	reason        string
	response      string
	sentOnNetwork bool
}

// New creates a message on sequence, which defaults to Unordered.
func New(text string, sequence string) *Message {
	if sequence == "" {
		sequence = Unordered
	}
	return &Message{Text: text, Sequence: sequence}
}

// ValidSequence reports whether name can be used as a sequence name: ASCII
// letters, digits and underscores only.
func ValidSequence(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// Claim marks m as submitted. It returns false if m was submitted before; a
// message is sent at most once, whatever its outcome.
func (m *Message) Claim() bool {
	return m.submitted.CompareAndSwap(false, true)
}

func (m *Message) resolved() bool {
	return m.outcome != Pending
}

func (m *Message) resolve(o Outcome) {
	if m.outcome == Pending {
		m.outcome = o
	}
}

func (m *Message) deliver() {
	d := m.Delegate
	if d == nil {
		return
	}
	switch m.outcome {
	case Processed:
		d.OnProcessed(m, m.response)
	case Denied:
		d.OnDenied(m, m.code, m.reason)
	case Failed:
		d.OnFailed(m)
	case Discarded:
		d.OnDiscarded(m)
	case Aborted:
		d.OnAbort(m, m.sentOnNetwork)
	}
}
