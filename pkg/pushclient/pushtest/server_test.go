package pushtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

func next(t *testing.T, c protocol.Conn) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func dial(t *testing.T, s *Server, kind protocol.Kind, polling bool) protocol.Conn {
	t.Helper()
	c, err := s.Dial(context.Background(), protocol.Target{ServerAddress: "http://push.test", Kind: kind, Polling: polling})
	require.NoError(t, err)
	return c
}

func TestStreamingSession(t *testing.T) {
	s := NewServer()
	s.SetKeepalive(time.Second)
	ctx := context.Background()

	create := dial(t, s, protocol.KindHTTP, false)
	require.NoError(t, create.Send(ctx, protocol.CreateSession{AdapterSet: "DEMO"}))
	created := next(t, create).(protocol.SessionCreated)
	assert.Equal(t, s.SessionID(), created.SessionID)
	assert.Equal(t, time.Second, created.KeepaliveInterval)

	// events go to the open stream
	s.Emit(protocol.Keepalive{})
	assert.Equal(t, protocol.Keepalive{}, next(t, create))

	bind := dial(t, s, protocol.KindWS, false)
	require.NoError(t, bind.Send(ctx, protocol.BindSession{SessionID: created.SessionID}))
	assert.IsType(t, protocol.Bound{}, next(t, bind))
	assert.IsType(t, protocol.Loop{}, next(t, create), "the replaced stream is told to loop")
	assert.Same(t, s.Conns()[1], s.Stream())

	require.NoError(t, bind.Send(ctx, protocol.Subscribe{SubID: 1, Mode: "COMMAND", Items: []string{"p"}, Fields: []string{"command", "key", "qty"}}))
	ok := next(t, bind).(protocol.SubscribeOK)
	assert.Equal(t, 2, ok.KeyPos)
	assert.Equal(t, 1, ok.CmdPos)
	assert.Equal(t, 3, ok.Fields)

	require.NoError(t, bind.Send(ctx, protocol.SendMessage{Sequence: "seq", Prog: 1, Text: "hi"}))
	outcome := next(t, bind).(protocol.MessageOutcome)
	assert.Equal(t, protocol.OutcomeProcessed, outcome.Outcome)
	assert.Equal(t, 1, outcome.Prog)

	require.NoError(t, bind.Send(ctx, protocol.Destroy{SessionID: created.SessionID}))
	assert.IsType(t, protocol.Closed{}, next(t, bind))

	assert.Len(t, RequestsOf[protocol.SendMessage](s), 1)
	assert.Len(t, s.Requests(), 5)
}

func TestPollingSession(t *testing.T) {
	s := NewServer(protocol.KindHTTP)
	ctx := context.Background()

	create := dial(t, s, protocol.KindHTTP, true)
	require.NoError(t, create.Send(ctx, protocol.CreateSession{Polling: true}))
	id := next(t, create).(protocol.SessionCreated).SessionID
	assert.IsType(t, protocol.Loop{}, next(t, create))

	// no stream: events wait for the next poll
	s.Emit(protocol.ServerName{Name: "node1"})

	poll := dial(t, s, protocol.KindHTTP, true)
	require.NoError(t, poll.Send(ctx, protocol.BindSession{SessionID: id, Polling: true}))
	assert.IsType(t, protocol.Bound{}, next(t, poll))
	assert.Equal(t, protocol.ServerName{Name: "node1"}, next(t, poll))
	assert.IsType(t, protocol.Loop{}, next(t, poll))
}

func TestHeldPoll(t *testing.T) {
	ctx := context.Background()
	open := func(t *testing.T) (*Server, *clock.Mock, string) {
		s := NewServer(protocol.KindWS)
		clk := clock.NewMock()
		s.SetClock(clk)
		create := dial(t, s, protocol.KindWS, true)
		require.NoError(t, create.Send(ctx, protocol.CreateSession{Polling: true}))
		id := next(t, create).(protocol.SessionCreated).SessionID
		assert.IsType(t, protocol.Loop{}, next(t, create))
		return s, clk, id
	}
	noEvent := func(t *testing.T, c protocol.Conn) {
		t.Helper()
		select {
		case ev := <-c.Events():
			t.Fatalf("unexpected event %#v", ev)
		case <-time.After(20 * time.Millisecond):
		}
	}

	t.Run("empty poll waits for data", func(t *testing.T) {
		s, _, id := open(t)
		poll := dial(t, s, protocol.KindWS, true)
		require.NoError(t, poll.Send(ctx, protocol.BindSession{SessionID: id, Polling: true, IdleTimeout: 5 * time.Second}))
		assert.IsType(t, protocol.Bound{}, next(t, poll))
		noEvent(t, poll)

		s.Emit(protocol.Keepalive{})
		assert.Equal(t, protocol.Keepalive{}, next(t, poll))
		assert.IsType(t, protocol.Loop{}, next(t, poll))
	})

	t.Run("empty poll ends at the idle timeout", func(t *testing.T) {
		s, clk, id := open(t)
		poll := dial(t, s, protocol.KindWS, true)
		require.NoError(t, poll.Send(ctx, protocol.BindSession{SessionID: id, Polling: true, IdleTimeout: 5 * time.Second}))
		assert.IsType(t, protocol.Bound{}, next(t, poll))

		clk.Add(4 * time.Second)
		noEvent(t, poll)
		clk.Add(time.Second)
		assert.IsType(t, protocol.Loop{}, next(t, poll))
	})

	t.Run("polls repeat on one socket", func(t *testing.T) {
		s, clk, id := open(t)
		poll := dial(t, s, protocol.KindWS, true)
		for range 2 {
			require.NoError(t, poll.Send(ctx, protocol.BindSession{SessionID: id, Polling: true, IdleTimeout: time.Second}))
			assert.IsType(t, protocol.Bound{}, next(t, poll))
			clk.Add(time.Second)
			assert.IsType(t, protocol.Loop{}, next(t, poll))
		}
	})

	t.Run("zero idle timeout answers at once", func(t *testing.T) {
		s, _, id := open(t)
		poll := dial(t, s, protocol.KindWS, true)
		require.NoError(t, poll.Send(ctx, protocol.BindSession{SessionID: id, Polling: true}))
		assert.IsType(t, protocol.Bound{}, next(t, poll))
		assert.IsType(t, protocol.Loop{}, next(t, poll))
	})
}

func TestBehaviors(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported kind", func(t *testing.T) {
		s := NewServer(protocol.KindHTTP)
		assert.False(t, s.Supports(protocol.KindWS))
		_, err := s.Dial(ctx, protocol.Target{Kind: protocol.KindWS})
		assert.ErrorIs(t, err, protocol.ErrUnsupportedKind)
	})

	t.Run("dial error", func(t *testing.T) {
		s := NewServer()
		boom := errors.New("boom")
		s.SetDialError(protocol.KindWS, boom)
		_, err := s.Dial(ctx, protocol.Target{Kind: protocol.KindWS})
		assert.ErrorIs(t, err, boom)
		s.SetDialError(protocol.KindWS, nil)
		_, err = s.Dial(ctx, protocol.Target{Kind: protocol.KindWS})
		assert.NoError(t, err)
	})

	t.Run("refused create", func(t *testing.T) {
		s := NewServer()
		s.RefuseCreate(60, "no license")
		c := dial(t, s, protocol.KindHTTP, false)
		require.NoError(t, c.Send(ctx, protocol.CreateSession{}))
		assert.Equal(t, protocol.ServerError{Code: 60, Message: "no license"}, next(t, c))
		assert.IsType(t, protocol.Closed{}, next(t, c))
	})

	t.Run("unknown session", func(t *testing.T) {
		s := NewServer()
		c := dial(t, s, protocol.KindWS, false)
		require.NoError(t, c.Send(ctx, protocol.BindSession{SessionID: "nope"}))
		assert.Equal(t, 20, next(t, c).(protocol.ServerError).Code)
	})

	t.Run("held bind", func(t *testing.T) {
		s := NewServer()
		s.HoldStreamingBinds(true)
		c := dial(t, s, protocol.KindHTTP, false)
		require.NoError(t, c.Send(ctx, protocol.CreateSession{}))
		id := next(t, c).(protocol.SessionCreated).SessionID

		bind := dial(t, s, protocol.KindWS, false)
		require.NoError(t, bind.Send(ctx, protocol.BindSession{SessionID: id}))
		select {
		case ev := <-bind.Events():
			t.Fatalf("unexpected %T", ev)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("message handler", func(t *testing.T) {
		s := NewServer()
		s.SetMessageHandler(func(m protocol.SendMessage) protocol.Event {
			if m.Text == "silent" {
				return nil
			}
			return protocol.MessageOutcome{Sequence: m.Sequence, Prog: m.Prog, Outcome: protocol.OutcomeDenied, Code: -5}
		})
		c := dial(t, s, protocol.KindWS, false)
		require.NoError(t, c.Send(ctx, protocol.CreateSession{}))
		next(t, c)

		require.NoError(t, c.Send(ctx, protocol.SendMessage{Text: "silent"}))
		require.NoError(t, c.Send(ctx, protocol.SendMessage{Text: "loud", Prog: 2}))
		outcome := next(t, c).(protocol.MessageOutcome)
		assert.Equal(t, 2, outcome.Prog)
		assert.Equal(t, protocol.OutcomeDenied, outcome.Outcome)
	})

	t.Run("closed conn", func(t *testing.T) {
		s := NewServer()
		c := dial(t, s, protocol.KindWS, false).(*Conn)
		require.NoError(t, c.Close())
		assert.True(t, c.IsClosed())
		assert.False(t, c.Push(protocol.Keepalive{}))
		assert.ErrorIs(t, c.Send(ctx, protocol.Heartbeat{}), protocol.ErrConnClosed)
		assert.Equal(t, protocol.KindWS, c.Target().Kind)
	})
}
