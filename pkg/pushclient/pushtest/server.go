// Package pushtest provides an in-memory push server for tests. Server
// implements protocol.Dialer, so a client built with it talks to the server
// without any network.
package pushtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

// Server answers protocol requests the way a well-behaved push server would.
// Behaviors can be changed at any time; all methods are safe for concurrent
// use.
type Server struct {
	mu    sync.Mutex
	clock clock.Clock

	kinds       map[protocol.Kind]bool
	dialErrors  map[protocol.Kind]error
	holdStreams bool
	refusal     *protocol.ServerError
	instance    string
	keepalive   time.Duration

	subscribeHandler func(protocol.Subscribe) []protocol.Event
	messageHandler   func(protocol.SendMessage) protocol.Event

	sessions map[string]*session
	last     *session
	conns    []*Conn
	requests []protocol.Request
}

type session struct {
	id      string
	stream  *Conn
	backlog []protocol.Event

	// poll is a polling bind held open until data arrives or idle fires.
	poll *Conn
	idle *clock.Timer
}

// NewServer creates a server supporting the given transport kinds, or both
// when none are given.
func NewServer(kinds ...protocol.Kind) *Server {
	if len(kinds) == 0 {
		kinds = []protocol.Kind{protocol.KindWS, protocol.KindHTTP}
	}
	s := &Server{
		clock:      clock.New(),
		kinds:      make(map[protocol.Kind]bool),
		dialErrors: make(map[protocol.Kind]error),
		sessions:   make(map[string]*session),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	return s
}

// SetClock sets the clock that times out held polling binds.
func (s *Server) SetClock(clk clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clk
}

// SetDialError makes dials of kind fail with err; nil restores them.
func (s *Server) SetDialError(kind protocol.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.dialErrors, kind)
	} else {
		s.dialErrors[kind] = err
	}
}

// HoldStreamingBinds leaves streaming binds unanswered, as a proxy that
// buffers responses would.
func (s *Server) HoldStreamingBinds(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdStreams = hold
}

// RefuseCreate answers session creations with a server error. A zero code
// accepts them again.
func (s *Server) RefuseCreate(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		s.refusal = nil
	} else {
		s.refusal = &protocol.ServerError{Code: code, Message: message}
	}
}

// SetInstanceAddress sets the address announced on session creation.
func (s *Server) SetInstanceAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance = addr
}

func (s *Server) SetKeepalive(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalive = d
}

// SetSubscribeHandler replaces the default SubscribeOK answer. Returned events
// go to the session of the request.
func (s *Server) SetSubscribeHandler(fn func(protocol.Subscribe) []protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeHandler = fn
}

// SetMessageHandler replaces the default "processed" answer to messages. A nil
// event leaves the message unanswered.
func (s *Server) SetMessageHandler(fn func(protocol.SendMessage) protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = fn
}

func (s *Server) Supports(kind protocol.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[kind]
}

func (s *Server) Dial(_ context.Context, target protocol.Target) (protocol.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dialErrors[target.Kind]; err != nil {
		return nil, err
	}
	if !s.kinds[target.Kind] {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedKind, target.Kind)
	}
	c := &Conn{
		server: s,
		target: target,
		events: make(chan protocol.Event, 1024),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// Conns returns every connection dialed so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conns)
}

// Requests returns every request received so far.
func (s *Server) Requests() []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestsOf returns the received requests of type T.
func RequestsOf[T protocol.Request](s *Server) []T {
	var out []T
	for _, req := range s.Requests() {
		if r, ok := req.(T); ok {
			out = append(out, r)
		}
	}
	return out
}

// SessionID returns the id of the most recently created session.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ""
	}
	return s.last.id
}

// Emit sends ev on the most recent session: on its open stream, or with the
// next poll when there is none.
func (s *Server) Emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		s.emitLocked(s.last, ev)
	}
}

// Stream returns the open stream of the most recent session, if any.
func (s *Server) Stream() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.stream
}

// DropStream closes the open stream of the most recent session with err, as a
// network failure would.
func (s *Server) DropStream(err error) {
	if c := s.Stream(); c != nil {
		c.closeWith(err)
	}
}

func (s *Server) emitLocked(sess *session, ev protocol.Event) {
	if p := sess.poll; p != nil {
		s.releasePollLocked(sess)
		if p.push(ev) {
			p.push(protocol.Loop{})
			return
		}
	}
	if sess.stream != nil && sess.stream.push(ev) {
		return
	}
	sess.stream = nil
	sess.backlog = append(sess.backlog, ev)
}

func (s *Server) handle(c *Conn, req protocol.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	switch r := req.(type) {
	case protocol.CreateSession:
		if s.refusal != nil {
			c.push(*s.refusal)
			go c.closeWith(nil)
			return
		}
		sess := &session{id: uuid.NewString()}
		s.sessions[sess.id] = sess
		s.last = sess
		c.session = sess
		c.push(protocol.SessionCreated{
			SessionID:             sess.id,
			ServerInstanceAddress: s.instance,
			KeepaliveInterval:     s.keepalive,
		})
		if r.Polling {
			c.push(protocol.Loop{})
		} else {
			sess.stream = c
		}

	case protocol.BindSession:
		sess := s.sessions[r.SessionID]
		if sess == nil {
			c.push(protocol.ServerError{Code: 20, Message: "unknown session"})
			go c.closeWith(nil)
			return
		}
		c.session = sess
		if r.Polling {
			c.push(protocol.Bound{SessionID: sess.id, KeepaliveInterval: s.keepalive})
			if sess.poll != nil {
				sess.poll.push(protocol.Loop{})
				s.releasePollLocked(sess)
			}
			if len(sess.backlog) == 0 && r.IdleTimeout > 0 {
				sess.poll = c
				sess.idle = s.clock.AfterFunc(r.IdleTimeout, func() { s.expirePoll(sess, c) })
				return
			}
			for _, ev := range sess.backlog {
				c.push(ev)
			}
			sess.backlog = nil
			c.push(protocol.Loop{})
			return
		}
		if s.holdStreams {
			return
		}
		c.push(protocol.Bound{SessionID: sess.id, KeepaliveInterval: s.keepalive})
		if old := sess.stream; old != nil && old != c {
			old.push(protocol.Loop{})
		}
		sess.stream = c
		for _, ev := range sess.backlog {
			c.push(ev)
		}
		sess.backlog = nil

	case protocol.Subscribe:
		if c.session == nil {
			return
		}
		var evs []protocol.Event
		if s.subscribeHandler != nil {
			evs = s.subscribeHandler(r)
		} else {
			evs = []protocol.Event{subscribeOK(r)}
		}
		for _, ev := range evs {
			s.emitLocked(c.session, ev)
		}

	case protocol.Unsubscribe:
		if c.session != nil {
			s.emitLocked(c.session, protocol.UnsubscribeOK{SubID: r.SubID})
		}

	case protocol.Reconfigure:
		if c.session != nil {
			s.emitLocked(c.session, protocol.Reconfigured{SubID: r.SubID, MaxFrequency: r.MaxFrequency})
		}

	case protocol.SendMessage:
		if c.session == nil {
			return
		}
		var ev protocol.Event = protocol.MessageOutcome{Sequence: r.Sequence, Prog: r.Prog, Outcome: protocol.OutcomeProcessed}
		if s.messageHandler != nil {
			ev = s.messageHandler(r)
		}
		if ev != nil {
			s.emitLocked(c.session, ev)
		}

	case protocol.Constrain:
		if c.session != nil {
			s.emitLocked(c.session, protocol.Constrained{MaxBandwidth: r.MaxBandwidth})
		}

	case protocol.Destroy:
		if sess := s.sessions[r.SessionID]; sess != nil {
			delete(s.sessions, r.SessionID)
			s.releasePollLocked(sess)
			if sess.stream != nil {
				go sess.stream.closeWith(nil)
			}
		}
	}
}

func (s *Server) releasePollLocked(sess *session) {
	sess.poll = nil
	if sess.idle != nil {
		sess.idle.Stop()
		sess.idle = nil
	}
}

// expirePoll ends a held poll that saw no data within its idle timeout.
func (s *Server) expirePoll(sess *session, c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.poll != c {
		return
	}
	s.releasePollLocked(sess)
	c.push(protocol.Loop{})
}

// subscribeOK builds the default confirmation of r. COMMAND subscriptions get
// their key and command positions from the "key" and "command" fields.
func subscribeOK(r protocol.Subscribe) protocol.SubscribeOK {
	ok := protocol.SubscribeOK{SubID: r.SubID, Items: len(r.Items), Fields: len(r.Fields)}
	if ok.Items == 0 {
		ok.Items = 1
	}
	if r.Mode == "COMMAND" {
		if ok.Fields == 0 {
			ok.Fields = 2
		}
		ok.KeyPos, ok.CmdPos = 1, 2
		if i := slices.Index(r.Fields, "key"); i >= 0 {
			ok.KeyPos = i + 1
		}
		if i := slices.Index(r.Fields, "command"); i >= 0 {
			ok.CmdPos = i + 1
		}
	}
	return ok
}

// Conn is one connection of a Server.
type Conn struct {
	server  *Server
	target  protocol.Target
	events  chan protocol.Event
	session *session

	mu     sync.Mutex
	closed bool
}

func (c *Conn) Target() protocol.Target {
	return c.target
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *Conn) Send(_ context.Context, req protocol.Request) error {
	if c.IsClosed() {
		return protocol.ErrConnClosed
	}
	c.server.handle(c, req)
	return nil
}

func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

// Push delivers ev on this connection only. Returns false once closed.
func (c *Conn) Push(ev protocol.Event) bool {
	return c.push(ev)
}

func (c *Conn) push(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- protocol.Closed{Err: err}
	close(c.events)
}
