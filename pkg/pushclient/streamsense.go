package pushclient

import (
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap"
)

// Stream-Sense: the session is created on the pre-flight transport, then a
// streaming bind is attempted. When the bind is not confirmed within the
// connect timeout the session falls back to polling on the same kind.

// sessionPlan is the transport strategy chosen for one session creation.
type sessionPlan struct {
	createKind    protocol.Kind
	createPolling bool
	sense         bool
	bindKind      protocol.Kind
	fallbackKind  protocol.Kind
}

func (e *engine) plan() sessionPlan {
	forced := e.opts.ForcedTransport()
	if kind := forced.Kind(); kind != "" {
		if polling, fixed := forced.Polling(); fixed {
			return sessionPlan{createKind: kind, createPolling: polling}
		}
		return sessionPlan{createKind: kind, sense: true, bindKind: kind}
	}

	ws := e.c.dialer.Supports(protocol.KindWS)
	http := e.c.dialer.Supports(protocol.KindHTTP)
	p := sessionPlan{createKind: protocol.KindWS, sense: true, bindKind: protocol.KindWS}
	if http {
		p.createKind = protocol.KindHTTP
		if ws {
			p.fallbackKind = protocol.KindHTTP
		} else {
			p.bindKind = protocol.KindHTTP
		}
	}
	return p
}

func (e *engine) bindTarget(kind protocol.Kind, polling bool) protocol.Target {
	return protocol.Target{
		ServerAddress: e.sess.address,
		Kind:          kind,
		Polling:       polling,
		Headers:       e.opts.headersFor(false),
	}
}

func (e *engine) bindRequest(polling bool) protocol.BindSession {
	req := protocol.BindSession{
		SessionID:         e.sess.id,
		Polling:           polling,
		KeepaliveInterval: e.opts.KeepaliveInterval(),
		ContentLength:     e.opts.ContentLength(),
	}
	if polling {
		req.IdleTimeout = e.opts.IdleTimeout()
		req.PollingInterval = e.opts.PollingInterval()
	}
	return req
}

// bindStreaming tries a streaming bind while sensing; the session falls back
// to polling if it is not confirmed within the connect timeout.
func (e *engine) bindStreaming(kind protocol.Kind) {
	e.sess.kind, e.sess.polling = kind, false
	e.arm(timerConnect, e.opts.CurrentConnectTimeout(), e.onSenseTimeout)
	e.dial(e.bindTarget(kind, false), func(c *connection) {
		e.pending = c
		e.sendOn(c, e.bindRequest(false))
	}, func(err error) {
		e.logger.Info("Streaming bind failed", zap.String("transport", string(kind)), zap.Error(err))
		e.senseFallback(kind)
	})
}

func (e *engine) senseFallback(failed protocol.Kind) {
	s := e.sess
	if fb := s.plan.fallbackKind; fb != "" && fb != failed {
		s.plan.fallbackKind = ""
		e.bindStreaming(fb)
		return
	}
	e.disarm(timerConnect)
	e.startPolling(failed)
}

func (e *engine) onSenseTimeout() {
	e.logger.Info("Streaming not confirmed in time, switching to polling",
		zap.String("transport", string(e.sess.kind)), zap.Duration("timeout", e.opts.CurrentConnectTimeout()))
	if e.pending != nil {
		e.pending.close()
		e.pending = nil
	}
	e.startPolling(e.sess.kind)
}

func (e *engine) startPolling(kind protocol.Kind) {
	e.sess.kind, e.sess.polling = kind, true
	e.poll()
}

// poll issues one polling bind. A WebSocket that ended its previous poll
// carries the next one; HTTP polls need a fresh request each time.
func (e *engine) poll() {
	e.pollStart = e.clock.Now()
	e.arm(timerConnect, e.opts.IdleTimeout()+e.opts.CurrentConnectTimeout(), func() { e.fail(errConnTimeout) })
	if c := e.cur; c != nil && !c.closed && c.looped && c.polling && c.kind == protocol.KindWS && c.kind == e.sess.kind {
		c.looped = false
		e.pending = c
		e.sendOn(c, e.bindRequest(true))
		return
	}
	e.dial(e.bindTarget(e.sess.kind, true), func(c *connection) {
		e.pending = c
		e.sendOn(c, e.bindRequest(true))
	}, e.fail)
}

// rebind replaces a streaming connection whose content length is exhausted.
func (e *engine) rebind() {
	e.logger.Debug("Rebinding stream", zap.String("transport", string(e.sess.kind)))
	e.arm(timerConnect, e.opts.CurrentConnectTimeout(), func() { e.fail(errConnTimeout) })
	e.dial(e.bindTarget(e.sess.kind, false), func(c *connection) {
		e.pending = c
		e.sendOn(c, e.bindRequest(false))
	}, e.fail)
}
