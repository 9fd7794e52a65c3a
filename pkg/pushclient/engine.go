package pushclient

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap"
)

type timerKind int

const (
	// timerConnect bounds the wait for the answer to a create, bind or poll.
	timerConnect timerKind = iota
	timerStall
	timerReconnect
	timerRetry
	timerPoll
	timerHeartbeat
	timerCount
)

// connection is one physical connection of the current attempt.
type connection struct {
	attempt int
	conn    protocol.Conn
	kind    protocol.Kind
	polling bool
	closed  bool
	looped  bool
}

func (c *connection) close() {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

type sessionState struct {
	plan      sessionPlan
	server    string
	address   string
	id        string
	keepalive time.Duration
	kind      protocol.Kind
	polling   bool
	started   bool
	counted   bool
}

// engine is the session state machine. Every method runs on the worker
// goroutine of its Client; nothing here is safe for concurrent use.
type engine struct {
	c       *Client
	logger  *zap.Logger
	clock   clock.Clock
	opts    *ConnectionOptions
	details *ConnectionDetails
	retry   *retryPolicy
	metrics *engineMetrics

	ctx    context.Context
	cancel context.CancelFunc

	status     Status
	resume     Status
	attempt    int
	dialSeq    int
	dialCancel context.CancelFunc
	sess       *sessionState
	cur        *connection
	pending    *connection
	createSpan o11y.Span

	timers [timerCount]*clock.Timer
	tokens [timerCount]int

	outbox     deque.Deque[protocol.Request]
	authPaused bool
	pollStart  time.Time
}

func newEngine(c *Client) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &engine{
		c:       c,
		logger:  c.logger,
		clock:   c.clock,
		opts:    c.options,
		details: c.details,
		retry:   newRetryPolicy(c.options),
		metrics: newEngineMetrics(c.metrics),
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusDisconnected,
	}
}

func (e *engine) post(fn func()) {
	_ = e.c.worker.Dispatch(fn)
}

func (e *engine) connect() {
	if !e.status.IsDisconnected() {
		return
	}
	e.retry.clear()
	e.startCreate()
}

func (e *engine) disconnect() {
	if e.status == StatusDisconnected {
		return
	}
	if e.sess != nil && e.sess.id != "" && e.cur != nil && !e.cur.closed {
		e.sendOn(e.cur, protocol.Destroy{SessionID: e.sess.id, Cause: "disconnect"})
	}
	e.shutdown(StatusDisconnected, false)
}

func (e *engine) close() {
	e.disconnect()
	e.c.queue.Close()
	e.cancel()
}

// shutdown abandons the current attempt and session and enters a
// disconnected status.
func (e *engine) shutdown(next Status, fatal bool) {
	e.teardown()
	e.endSession()
	e.setStatus(next)
	e.c.queue.Disconnected(fatal)
}

// teardown closes every connection, cancels dials and timers and drops
// buffered requests. Late callbacks of the abandoned attempt are ignored.
func (e *engine) teardown() {
	e.attempt++
	e.dialSeq++
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	for _, c := range []*connection{e.cur, e.pending} {
		if c != nil {
			c.close()
		}
	}
	e.cur, e.pending = nil, nil
	for k := range timerCount {
		e.disarm(k)
	}
	e.outbox.Clear()
	e.authPaused = false
}

func (e *engine) endSession() {
	s := e.sess
	if s == nil {
		return
	}
	e.sess = nil
	if s.counted {
		sessionLimits.release(s.server)
	}
	if s.started {
		e.c.registry.SessionEnded()
		e.c.queue.SessionEnded()
	}
	e.details.setSession("", "")
	e.endSpan(errors.New("session ended before creation"))
}

func (e *engine) endSpan(err error) {
	if e.createSpan == nil {
		return
	}
	if err != nil {
		e.createSpan.SetStatus(o11y.SpanStatusError, err.Error())
	} else {
		e.createSpan.SetStatus(o11y.SpanStatusOK, "")
	}
	e.createSpan.End()
	e.createSpan = nil
}

func (e *engine) setStatus(s Status) {
	if e.status == s {
		return
	}
	prev := e.status
	e.status = s
	e.logger.Info("Status changed", zap.Stringer("status", s), zap.Stringer("previous", prev))
	e.metrics.status(s)
	e.c.publishStatus(s)

	if s.IsConnected() && e.sess != nil && !e.sess.started {
		e.sess.started = true
		e.c.registry.SessionStarted(e)
		e.c.queue.SessionStarted(e)
		e.armHeartbeat()
	}
}

// startCreate abandons whatever is left of the previous attempt and opens a
// new session.
func (e *engine) startCreate() {
	e.teardown()
	e.endSession()
	e.setStatus(StatusConnecting)
	e.c.queue.Connecting()

	server := e.details.ServerAddress()
	s := &sessionState{plan: e.plan(), server: server, address: server}
	e.sess = s

	counted, forcePolling, ok := sessionLimits.acquire(server)
	s.counted = counted
	if !ok {
		e.fail(errSessionLimit)
		return
	}
	if forcePolling {
		s.plan.sense = false
		s.plan.createPolling = true
	}
	s.kind, s.polling = s.plan.createKind, s.plan.createPolling

	_, span := o11y.StartSpan(e.ctx, e.c.tracing, "pushclient.session.create")
	span.SetAttributes(o11y.Label{Key: "transport", Value: string(s.kind)})
	e.createSpan = span

	user, password := e.details.credentials()
	req := protocol.CreateSession{
		AdapterSet:        e.details.AdapterSet(),
		User:              user,
		Password:          password,
		Polling:           s.polling,
		KeepaliveInterval: e.opts.KeepaliveInterval(),
		ContentLength:     e.opts.ContentLength(),
		MaxBandwidth:      e.opts.RequestedMaxBandwidth(),
	}
	if s.polling {
		req.IdleTimeout = e.opts.IdleTimeout()
		req.PollingInterval = e.opts.PollingInterval()
	}
	target := protocol.Target{
		ServerAddress: server,
		Kind:          s.kind,
		Polling:       s.polling,
		Headers:       e.opts.headersFor(true),
	}

	e.logger.Debug("Creating session", zap.String("transport", string(s.kind)), zap.Bool("polling", s.polling))
	e.arm(timerConnect, e.opts.CurrentConnectTimeout(), func() { e.fail(errConnTimeout) })
	e.dial(target, func(c *connection) {
		e.cur = c
		e.sendOn(c, req)
	}, e.fail)
}

// dial opens a connection in the background. Results of dials superseded by
// a later dial or a teardown are dropped.
func (e *engine) dial(target protocol.Target, onConn func(*connection), onErr func(error)) {
	if e.dialCancel != nil {
		e.dialCancel()
	}
	e.dialSeq++
	seq := e.dialSeq
	ctx, cancel := context.WithCancel(e.ctx)
	e.dialCancel = cancel
	dialer := e.c.dialer

	go func() {
		conn, err := dialer.Dial(ctx, target)
		e.post(func() {
			if seq != e.dialSeq {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			e.dialCancel = nil
			if err != nil {
				onErr(err)
				return
			}
			c := &connection{attempt: e.attempt, conn: conn, kind: target.Kind, polling: target.Polling}
			go e.pump(c)
			onConn(c)
		})
	}()
}

func (e *engine) pump(c *connection) {
	closed := false
	for ev := range c.conn.Events() {
		if _, ok := ev.(protocol.Closed); ok {
			closed = true
		}
		e.post(func() { e.onEvent(c, ev) })
	}
	if !closed {
		e.post(func() { e.onEvent(c, protocol.Closed{}) })
	}
}

func (e *engine) onEvent(c *connection, ev protocol.Event) {
	if c.attempt != e.attempt {
		return
	}
	switch ev := ev.(type) {
	case protocol.Closed:
		e.onClosed(c, ev)
		return
	case protocol.ParseError:
		e.logger.Warn("Ignoring unparseable frame", zap.String("raw", ev.Raw), zap.Error(ev.Err))
		return
	}

	e.onTraffic()

	switch ev := ev.(type) {
	case protocol.SessionCreated:
		e.onSessionCreated(c, ev)
	case protocol.Bound:
		e.onBound(c, ev)
	case protocol.Loop:
		e.onLoop(c)
	case protocol.ServerError:
		e.onServerError(ev)
	case protocol.AuthChallenge:
		e.onAuthChallenge(c, ev)
	case protocol.Constrained:
		e.opts.setRealMaxBandwidth(ev.MaxBandwidth)
	case protocol.ServerName:
		e.details.setServerSocketName(ev.Name)
	case protocol.ClientIP:
		e.details.setClientIP(ev.IP)
	case protocol.Keepalive:
	default:
		if !e.c.registry.Handle(ev) && !e.c.queue.Handle(ev) {
			e.logger.Debug("Ignoring unexpected event", zap.Any("event", ev))
		}
	}
}

// onTraffic reverts a stall and restarts stall detection.
func (e *engine) onTraffic() {
	if e.status == StatusStalled {
		e.disarm(timerReconnect)
		e.setStatus(e.resume)
	}
	if e.status.IsStreaming() {
		e.armStall()
	}
}

func (e *engine) armStall() {
	keepalive := e.opts.KeepaliveInterval()
	if e.sess != nil && e.sess.keepalive > 0 {
		keepalive = e.sess.keepalive
	}
	e.arm(timerStall, keepalive+e.opts.StalledTimeout(), e.onStall)
}

func (e *engine) onStall() {
	if !e.status.IsStreaming() {
		return
	}
	e.logger.Info("Connection stalled", zap.Stringer("status", e.status))
	e.resume = e.status
	e.setStatus(StatusStalled)
	e.arm(timerReconnect, e.opts.ReconnectTimeout(), func() {
		e.logger.Info("No traffic after stall, reconnecting")
		e.startCreate()
	})
}

func (e *engine) onSessionCreated(c *connection, ev protocol.SessionCreated) {
	s := e.sess
	if c != e.cur || s == nil || s.id != "" {
		return
	}
	e.disarm(timerConnect)
	s.id = ev.SessionID
	s.keepalive = ev.KeepaliveInterval
	if ev.ServerInstanceAddress != "" && !e.opts.ServerInstanceAddressIgnored() {
		s.address = ev.ServerInstanceAddress
	}
	e.details.setSession(ev.SessionID, ev.ServerInstanceAddress)
	if ev.MaxBandwidth != "" {
		e.opts.setRealMaxBandwidth(ev.MaxBandwidth)
	}
	e.metrics.attempt("ok")
	e.endSpan(nil)
	e.logger.Info("Session created", zap.String("sessionId", s.id), zap.String("transport", string(c.kind)))

	if s.plan.sense {
		e.setStatus(StatusStreamSensing)
		e.bindStreaming(s.plan.bindKind)
		return
	}

	e.setStatus(connectedStatus(c.kind, c.polling))
	e.retry.Reset()
	if c.polling {
		e.pollStart = e.clock.Now()
		e.arm(timerConnect, e.opts.IdleTimeout()+e.opts.CurrentConnectTimeout(), func() { e.fail(errConnTimeout) })
	} else {
		e.armStall()
	}
}

func (e *engine) onBound(c *connection, ev protocol.Bound) {
	if c != e.pending || e.sess == nil {
		return
	}
	if ev.KeepaliveInterval > 0 {
		e.sess.keepalive = ev.KeepaliveInterval
	}
	if old := e.cur; old != nil && old != c {
		old.close()
	}
	e.cur, e.pending = c, nil

	e.setStatus(connectedStatus(c.kind, c.polling))
	e.retry.Reset()
	if !c.polling {
		e.disarm(timerConnect)
		e.armStall()
	}
	e.flushOutbox()
}

func (e *engine) onLoop(c *connection) {
	if c != e.cur {
		return
	}
	c.looped = true
	if c.polling {
		e.disarm(timerConnect)
		wait := e.pollStart.Add(e.opts.PollingInterval()).Sub(e.clock.Now())
		e.arm(timerPoll, max(wait, 0), e.poll)
		return
	}
	if e.pending == nil {
		e.rebind()
	}
}

func (e *engine) onClosed(c *connection, ev protocol.Closed) {
	c.closed = true
	if c == e.pending {
		e.pending = nil
		if e.status == StatusStreamSensing && !c.polling {
			e.senseFallback(c.kind)
			return
		}
		e.fail(closedErr(ev))
		return
	}
	if c != e.cur || c.looped {
		return
	}
	if e.pending != nil {
		// a bind is already replacing it
		e.cur = nil
		return
	}
	e.fail(closedErr(ev))
}

func closedErr(ev protocol.Closed) error {
	if ev.Err != nil {
		return ev.Err
	}
	return protocol.ErrConnClosed
}

// fail handles a transport failure: retry after the policy delay.
func (e *engine) fail(err error) {
	if e.status.IsDisconnected() {
		return
	}
	e.logger.Warn("Connection failed", zap.Stringer("status", e.status), zap.Error(err))
	if e.status == StatusConnecting {
		e.metrics.attempt("failed")
	}
	e.endSpan(err)
	e.shutdown(StatusWillRetry, false)

	delay := e.retry.NextBackOff()
	e.metrics.retry(delay)
	e.logger.Info("Retrying", zap.Duration("delay", delay))
	e.arm(timerRetry, delay, e.startCreate)
}

func (e *engine) onServerError(ev protocol.ServerError) {
	e.logger.Warn("Session closed by server", zap.Int("code", ev.Code), zap.String("message", ev.Message))
	if e.status == StatusConnecting {
		e.metrics.attempt("refused")
	}
	e.endSpan(&ev)
	e.shutdown(StatusDisconnected, true)
	e.c.publishServerError(ev.Code, ev.Message)
}

func (e *engine) onAuthChallenge(c *connection, ev protocol.AuthChallenge) {
	e.logger.Info("Authentication challenge", zap.String("realm", ev.Realm))
	e.authPaused = true
	attempt := e.attempt
	handler := e.c.authHandler
	ctx := e.ctx
	go func() {
		resp := AuthResponse{Action: AuthDefault}
		if handler != nil {
			resp = handler(ctx, ev.Realm)
		}
		e.post(func() { e.onAuthResponse(attempt, c, resp) })
	}()
}

func (e *engine) onAuthResponse(attempt int, c *connection, resp AuthResponse) {
	if attempt != e.attempt {
		return
	}
	switch resp.Action {
	case AuthCancel:
		c.close()
		e.fail(errAuthCanceled)
		return
	case AuthUseCredential:
		e.sendOn(c, protocol.Authenticate{User: resp.User, Password: resp.Password})
	case AuthDefault:
		if user, password := e.details.credentials(); user != "" || password != "" {
			e.sendOn(c, protocol.Authenticate{User: user, Password: password})
		}
	}
	e.authPaused = false
	e.flushOutbox()
}

// optionChanged applies option changes that affect a running session.
func (e *engine) optionChanged(property string) {
	switch property {
	case PropRequestedMaxBandwidth:
		if e.sess != nil && e.sess.started {
			e.Send(protocol.Constrain{MaxBandwidth: e.opts.RequestedMaxBandwidth()})
		}
	case PropForcedTransport:
		current := e.status
		if current == StatusStalled {
			current = e.resume
		}
		if (e.status.IsConnected() || e.status == StatusStalled) && !e.opts.ForcedTransport().allows(current) {
			e.logger.Info("Forced transport changed, reconnecting", zap.String("transport", string(e.opts.ForcedTransport())))
			e.startCreate()
		}
	case PropReverseHeartbeatInterval:
		e.armHeartbeat()
	}
}

func (e *engine) usable(c *connection) bool {
	return c != nil && !c.closed && (!c.looped || c.polling) && !e.authPaused
}

// Send transmits a request on the current session, buffering it while no
// connection can carry it.
func (e *engine) Send(req protocol.Request) {
	if e.outbox.Len() > 0 || !e.usable(e.cur) {
		e.outbox.PushBack(req)
		return
	}
	if err := e.cur.conn.Send(e.ctx, req); err != nil {
		e.logger.Debug("Send failed, buffering", zap.Error(err))
		e.outbox.PushBack(req)
		return
	}
	e.armHeartbeat()
}

func (e *engine) flushOutbox() {
	for e.outbox.Len() > 0 && e.usable(e.cur) {
		if err := e.cur.conn.Send(e.ctx, e.outbox.Front()); err != nil {
			e.logger.Debug("Send failed, keeping buffered", zap.Error(err))
			return
		}
		e.outbox.PopFront()
		e.armHeartbeat()
	}
}

// sendOn writes a session-control request directly on c.
func (e *engine) sendOn(c *connection, req protocol.Request) {
	if err := c.conn.Send(e.ctx, req); err != nil {
		e.logger.Debug("Control request failed", zap.Error(err))
	}
}

func (e *engine) armHeartbeat() {
	interval := e.opts.ReverseHeartbeatInterval()
	if interval <= 0 || e.sess == nil || !e.sess.started {
		e.disarm(timerHeartbeat)
		return
	}
	e.arm(timerHeartbeat, interval, func() {
		if e.usable(e.cur) {
			e.Send(protocol.Heartbeat{})
		} else {
			e.armHeartbeat()
		}
	})
}

func (e *engine) arm(kind timerKind, d time.Duration, fn func()) {
	e.disarm(kind)
	token := e.tokens[kind]
	e.timers[kind] = e.clock.AfterFunc(d, func() {
		e.post(func() {
			if e.tokens[kind] != token {
				return
			}
			e.timers[kind] = nil
			fn()
		})
	})
}

func (e *engine) disarm(kind timerKind) {
	e.tokens[kind]++
	if t := e.timers[kind]; t != nil {
		t.Stop()
		e.timers[kind] = nil
	}
}
