package message

import (
	"context"
	"maps"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/tsarna/pushclient/pkg/pushclient/dispatch"
	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap"
)

// Sender transmits requests on the current session.
type Sender interface {
	Send(req protocol.Request)
}

type sequence struct {
	name     string
	lastProg int
	pending  deque.Deque[*Message]
}

// Queue holds the messages that have no outcome yet, one FIFO per sequence.
// It is not safe for concurrent use: every method must be called from the
// goroutine that owns the session. Outcomes are delivered on the lane.
type Queue struct {
	logger   *zap.Logger
	lane     *dispatch.Dispatcher
	clock    clock.Clock
	outcomes o11y.Counter

	sender       Sender
	disconnected bool
	sequences    map[string]*sequence
}

// NewQueue creates a queue in the disconnected state.
func NewQueue(logger *zap.Logger, lane *dispatch.Dispatcher, clk clock.Clock) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		logger:       logger,
		lane:         lane,
		clock:        clk,
		disconnected: true,
		sequences:    make(map[string]*sequence),
	}
}

// WithMetrics enables the outcome counter. Returns the same Queue for chaining.
func (q *Queue) WithMetrics(provider o11y.MetricsProvider) *Queue {
	if provider != nil {
		q.outcomes = provider.Counter("pushclient_messages_total")
	}
	return q
}

// Len is the number of messages still waiting for an outcome.
func (q *Queue) Len() int {
	n := 0
	for _, seq := range q.sequences {
		n += seq.pending.Len()
	}
	return n
}

// Submit queues m and transmits it if a session exists. While disconnected,
// m is aborted at once unless it asks to be kept.
func (q *Queue) Submit(m *Message) {
	if m.queued {
		q.logger.Warn("Ignoring message submitted twice", zap.String("sequence", m.Sequence), zap.Int("prog", m.prog))
		return
	}
	m.queued = true
	if m.Sequence == "" {
		m.Sequence = Unordered
	}
	if q.sender == nil && q.disconnected {
		if !m.EnqueueWhileDisconnected {
			m.resolve(Aborted)
			q.finish(m)
			return
		}
		m.carried = true
	}

	seq := q.sequences[m.Sequence]
	if seq == nil {
		seq = &sequence{name: m.Sequence}
		q.sequences[m.Sequence] = seq
	}
	seq.pending.PushBack(m)
	if q.sender != nil {
		q.transmit(seq, m)
	}
}

func (q *Queue) transmit(seq *sequence, m *Message) {
	seq.lastProg++
	m.prog = seq.lastProg
	m.sent = true
	m.dueAt = q.clock.Now()
	q.logger.Debug("Sending message", zap.String("sequence", seq.name), zap.Int("prog", m.prog))
	q.sender.Send(protocol.SendMessage{
		Sequence: seq.name,
		Prog:     m.prog,
		Text:     m.Text,
		Timeout:  m.Timeout,
	})
}

// Connecting records that a connection attempt is in progress: messages
// submitted from now on are queued until the session starts.
func (q *Queue) Connecting() {
	q.disconnected = false
}

// SessionStarted transmits every queued message on the new session.
// Progressive numbers restart for each session.
func (q *Queue) SessionStarted(sender Sender) {
	q.sender = sender
	q.disconnected = false
	for _, name := range slices.Sorted(maps.Keys(q.sequences)) {
		seq := q.sequences[name]
		seq.lastProg = 0
		for i := 0; i < seq.pending.Len(); i++ {
			m := seq.pending.At(i)
			m.carried = false
			if !m.resolved() {
				q.transmit(seq, m)
			}
		}
	}
}

// SessionEnded aborts the messages sent on the ended session that still have
// no outcome. Unsent messages stay queued.
func (q *Queue) SessionEnded() {
	q.sender = nil
	for _, seq := range q.sequences {
		for i := 0; i < seq.pending.Len(); i++ {
			m := seq.pending.At(i)
			if m.sent && !m.resolved() {
				m.sentOnNetwork = true
				m.resolve(Aborted)
			}
		}
		q.flush(seq)
	}
}

// Disconnected applies the disconnection rule: unflagged messages are
// aborted, flagged ones survive a single disconnection. A fatal disconnection
// aborts everything.
func (q *Queue) Disconnected(fatal bool) {
	q.disconnected = true
	for _, seq := range q.sequences {
		for i := 0; i < seq.pending.Len(); i++ {
			m := seq.pending.At(i)
			if m.resolved() {
				continue
			}
			if fatal || !m.EnqueueWhileDisconnected || m.carried {
				m.sentOnNetwork = m.sent
				m.resolve(Aborted)
			} else {
				m.carried = true
			}
		}
		q.flush(seq)
	}
}

// Close aborts every pending message.
func (q *Queue) Close() {
	q.sender = nil
	q.Disconnected(true)
}

// Handle applies a message outcome event. Returns false for events that do
// not concern messages.
func (q *Queue) Handle(ev protocol.Event) bool {
	oc, ok := ev.(protocol.MessageOutcome)
	if !ok {
		return false
	}

	seq := q.sequences[oc.Sequence]
	if seq == nil {
		q.logger.Debug("Outcome for unknown sequence", zap.String("sequence", oc.Sequence), zap.Int("prog", oc.Prog))
		return true
	}
	idx := seq.pending.Index(func(m *Message) bool { return m.sent && m.prog == oc.Prog })
	if idx < 0 {
		q.logger.Debug("Outcome for unknown message", zap.String("sequence", oc.Sequence), zap.Int("prog", oc.Prog))
		return true
	}
	m := seq.pending.At(idx)
	if m.resolved() {
		return true
	}

	switch oc.Outcome {
	case protocol.OutcomeProcessed:
		m.response = oc.Response
		m.resolve(Processed)
	case protocol.OutcomeDenied:
		m.code = oc.Code
		m.reason = oc.Message
		m.resolve(Denied)
	case protocol.OutcomeFailed:
		m.resolve(Failed)
	case protocol.OutcomeDiscarded:
		m.resolve(Discarded)
	default:
		q.logger.Warn("Unknown message outcome", zap.String("outcome", string(oc.Outcome)))
		return true
	}

	if seq.name != Unordered {
		q.expireBefore(seq, idx)
	}
	q.flush(seq)
	return true
}

// expireBefore abandons the messages ahead of position idx whose explicit
// timeout has elapsed: the server has moved past them.
func (q *Queue) expireBefore(seq *sequence, idx int) {
	now := q.clock.Now()
	for i := 0; i < idx; i++ {
		m := seq.pending.At(i)
		if !m.resolved() && m.Timeout > 0 && now.Sub(m.dueAt) > m.Timeout {
			m.resolve(Discarded)
		}
	}
}

// flush delivers the outcomes that ordering allows: the resolved prefix for
// ordered sequences, every resolved message for Unordered.
func (q *Queue) flush(seq *sequence) {
	if seq.name == Unordered {
		for i := 0; i < seq.pending.Len(); {
			m := seq.pending.At(i)
			if m.resolved() {
				seq.pending.Remove(i)
				q.finish(m)
				continue
			}
			i++
		}
	} else {
		for seq.pending.Len() > 0 && seq.pending.Front().resolved() {
			q.finish(seq.pending.PopFront())
		}
	}
	if seq.pending.Len() == 0 {
		delete(q.sequences, seq.name)
	}
}

func (q *Queue) finish(m *Message) {
	q.logger.Debug("Message outcome", zap.String("sequence", m.Sequence), zap.Int("prog", m.prog), zap.Stringer("outcome", m.outcome))
	if q.outcomes != nil {
		q.outcomes.Add(context.Background(), 1, o11y.Label{Key: "outcome", Value: m.outcome.String()})
	}
	if m.Delegate == nil {
		return
	}
	if err := q.lane.Dispatch(m.deliver); err != nil {
		q.logger.Warn("Dropped message outcome", zap.String("sequence", m.Sequence), zap.Error(err))
	}
}
