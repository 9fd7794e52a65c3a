package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap/zaptest"
)

// nextEvent reads one event or fails after a second.
func nextEvent(t *testing.T, c protocol.Conn) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func newServer(t *testing.T, handler func(ctx context.Context, ws *websocket.Conn, r *http.Request)) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		handler(r.Context(), ws, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDialAndExchange(t *testing.T) {
	received := make(chan protocol.Request, 1)
	headers := make(chan string, 1)

	srv := newServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		headers <- r.Header.Get("X-Token")

		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			t.Errorf("bad request: %v", err)
			return
		}
		received <- req

		out, _ := protocol.EncodeEvent(protocol.SessionCreated{SessionID: "S1", KeepaliveInterval: 5 * time.Second})
		_ = ws.Write(ctx, websocket.MessageText, out)
		_ = ws.Write(ctx, websocket.MessageText, []byte("not a wire message"))
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})

	d := NewDialer(zaptest.NewLogger(t)).WithDialTimeout(time.Second)
	require.True(t, d.Supports(protocol.KindWS))
	require.False(t, d.Supports(protocol.KindHTTP))

	h := http.Header{}
	h.Set("X-Token", "abc")
	c, err := d.Dial(context.Background(), protocol.Target{ServerAddress: srv.URL, Kind: protocol.KindWS, Headers: h})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "abc", <-headers)

	require.NoError(t, c.Send(context.Background(), protocol.CreateSession{AdapterSet: "DEMO", User: "alice"}))
	select {
	case req := <-received:
		create, ok := req.(protocol.CreateSession)
		require.True(t, ok)
		assert.Equal(t, "DEMO", create.AdapterSet)
		assert.Equal(t, "alice", create.User)
	case <-time.After(time.Second):
		t.Fatal("server did not receive the request")
	}

	created, ok := nextEvent(t, c).(protocol.SessionCreated)
	require.True(t, ok)
	assert.Equal(t, "S1", created.SessionID)
	assert.Equal(t, 5*time.Second, created.KeepaliveInterval)

	parseErr, ok := nextEvent(t, c).(protocol.ParseError)
	require.True(t, ok)
	assert.Equal(t, "not a wire message", parseErr.Raw)

	closed, ok := nextEvent(t, c).(protocol.Closed)
	require.True(t, ok)
	assert.NoError(t, closed.Err, "a normal closure is not an error")

	_, open := <-c.Events()
	assert.False(t, open)
	assert.ErrorIs(t, c.Send(context.Background(), protocol.Heartbeat{}), protocol.ErrConnClosed)
}

func TestAbnormalClosure(t *testing.T) {
	srv := newServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		_ = ws.Close(websocket.StatusInternalError, "boom")
	})

	c, err := NewDialer(nil).Dial(context.Background(), protocol.Target{ServerAddress: srv.URL, Kind: protocol.KindWS})
	require.NoError(t, err)

	closed, ok := nextEvent(t, c).(protocol.Closed)
	require.True(t, ok)
	assert.Error(t, closed.Err)
}

func TestClientClose(t *testing.T) {
	srv := newServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		_, _, _ = ws.Read(ctx)
	})

	c, err := NewDialer(nil).Dial(context.Background(), protocol.Target{ServerAddress: srv.URL, Kind: protocol.KindWS})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	closed, ok := nextEvent(t, c).(protocol.Closed)
	require.True(t, ok)
	assert.NoError(t, closed.Err)
}

func TestDialErrors(t *testing.T) {
	d := NewDialer(nil)

	_, err := d.Dial(context.Background(), protocol.Target{ServerAddress: "http://localhost", Kind: protocol.KindHTTP})
	assert.ErrorIs(t, err, protocol.ErrUnsupportedKind)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = d.WithDialTimeout(time.Second).Dial(context.Background(), protocol.Target{ServerAddress: srv.URL, Kind: protocol.KindWS})
	assert.Error(t, err)
}
