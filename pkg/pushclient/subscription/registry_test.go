package subscription

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/pushclient/pkg/pushclient/dispatch"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	reqs []protocol.Request
}

func (s *recordingSender) Send(req protocol.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
}

func (s *recordingSender) subscribes() []protocol.Subscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Subscribe
	for _, r := range s.reqs {
		if sub, ok := r.(protocol.Subscribe); ok {
			out = append(out, sub)
		}
	}
	return out
}

func (s *recordingSender) unsubscribes() []protocol.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Unsubscribe
	for _, r := range s.reqs {
		if u, ok := r.(protocol.Unsubscribe); ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *recordingSender) last() protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil
	}
	return s.reqs[len(s.reqs)-1]
}

// recordingDelegate logs every notification as a short string.
type recordingDelegate struct {
	mu      sync.Mutex
	events  []string
	updates []*ItemUpdate
}

func (d *recordingDelegate) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, fmt.Sprintf(format, args...))
}

func (d *recordingDelegate) OnListenStart(*Subscription)    { d.record("listen-start") }
func (d *recordingDelegate) OnListenEnd(*Subscription)      { d.record("listen-end") }
func (d *recordingDelegate) OnSubscription(*Subscription)   { d.record("subscribed") }
func (d *recordingDelegate) OnUnsubscription(*Subscription) { d.record("unsubscribed") }
func (d *recordingDelegate) OnSubscriptionError(_ *Subscription, code int, _ string) {
	d.record("error:%d", code)
}
func (d *recordingDelegate) OnItemUpdate(_ *Subscription, u *ItemUpdate) {
	d.mu.Lock()
	d.updates = append(d.updates, u)
	d.mu.Unlock()
	d.record("update:%d:%s", u.ItemPos(), u.Key())
}
func (d *recordingDelegate) OnEndOfSnapshot(_ *Subscription, _ string, pos int) {
	d.record("eos:%d", pos)
}
func (d *recordingDelegate) OnClearSnapshot(_ *Subscription, _ string, pos int) {
	d.record("clear:%d", pos)
}
func (d *recordingDelegate) OnItemLostUpdates(_ *Subscription, _ string, pos int, lost int) {
	d.record("lost:%d:%d", pos, lost)
}
func (d *recordingDelegate) OnRealMaxFrequency(_ *Subscription, freq string) {
	d.record("frequency:%s", freq)
}
func (d *recordingDelegate) OnCommandSecondLevelItemLostUpdates(_ *Subscription, lost int, key string) {
	d.record("lost2:%s:%d", key, lost)
}
func (d *recordingDelegate) OnCommandSecondLevelSubscriptionError(_ *Subscription, code int, _ string, key string) {
	d.record("error2:%s:%d", key, code)
}

func (d *recordingDelegate) getEvents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

func (d *recordingDelegate) getUpdates() []*ItemUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ItemUpdate, len(d.updates))
	copy(out, d.updates)
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *dispatch.Dispatcher, *recordingSender) {
	t.Helper()
	lane := dispatch.New(nil).Start()
	t.Cleanup(func() { lane.Close() })

	r := NewRegistry(nil, lane, func(f func()) { f() })
	sender := &recordingSender{}
	r.SessionStarted(sender)
	return r, lane, sender
}

func activate(t *testing.T, r *Registry, sub *Subscription) {
	t.Helper()
	require.NoError(t, r.Attach(sub))
	r.Add(sub)
}

func flush(t *testing.T, lane *dispatch.Dispatcher) {
	t.Helper()
	select {
	case <-lane.Barrier():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch lane did not drain")
	}
}

func vals(values ...string) []protocol.FieldValue {
	out := make([]protocol.FieldValue, len(values))
	for i, v := range values {
		switch v {
		case "=":
			out[i] = protocol.FieldValue{Unchanged: true}
		case "#":
			out[i] = protocol.FieldValue{}
		default:
			v := v
			out[i] = protocol.FieldValue{Value: &v}
		}
	}
	return out
}

func lastSubID(t *testing.T, sender *recordingSender) int {
	t.Helper()
	subs := sender.subscribes()
	require.NotEmpty(t, subs)
	return subs[len(subs)-1].SubID
}

func TestActiveFlagTransitions(t *testing.T) {
	r, _, sender := newTestRegistry(t)
	sub, _ := New(Merge, []string{"item1"}, []string{"f"})

	require.NoError(t, r.Attach(sub))
	assert.True(t, sub.IsActive())
	assert.ErrorIs(t, r.Attach(sub), ErrIllegalState)
	r.Add(sub)
	assert.Len(t, sender.subscribes(), 1)

	require.NoError(t, r.Detach(sub))
	assert.False(t, sub.IsActive())
	assert.ErrorIs(t, r.Detach(sub), ErrIllegalState)
	r.Remove(sub)

	// the same instance can cycle again
	activate(t, r, sub)
	assert.True(t, sub.IsActive())
	assert.Len(t, sender.subscribes(), 2)
	assert.Equal(t, []*Subscription{sub}, r.Subscriptions())

	other := NewRegistry(nil, dispatch.New(nil), nil)
	assert.ErrorIs(t, other.Detach(sub), ErrIllegalState)
}

func TestDeferredUntilSession(t *testing.T) {
	lane := dispatch.New(nil).Start()
	defer lane.Close()
	r := NewRegistry(nil, lane, nil)

	sub, _ := New(Merge, []string{"item1"}, []string{"f"})
	activate(t, r, sub)

	sender := &recordingSender{}
	r.SessionStarted(sender)
	subs := sender.subscribes()
	require.Len(t, subs, 1)
	assert.Equal(t, "MERGE", subs[0].Mode)
	assert.Equal(t, []string{"item1"}, subs[0].Items)
	assert.Equal(t, SnapshotYes, subs[0].Snapshot)
}

func TestMergeSnapshot(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1", "item2"}, []string{"last", "time"})
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 2, Fields: 2})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("10", "12:00")})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("11", "=")})
	// a server end-of-snapshot for MERGE is not delivered twice
	r.Handle(protocol.EndOfSnapshot{SubID: id, Item: 1})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed", "update:1:", "eos:1", "update:1:"}, d.getEvents())
	assert.True(t, sub.IsSubscribed())

	updates := d.getUpdates()
	require.Len(t, updates, 2)
	first := updates[0]
	assert.True(t, first.IsSnapshot())
	assert.Len(t, first.Fields(), 2)
	assert.True(t, first.IsValueChanged("last"))
	assert.True(t, first.IsValueChanged("time"))

	second := updates[1]
	assert.False(t, second.IsSnapshot())
	assert.True(t, second.IsValueChanged("last"))
	assert.False(t, second.IsValueChanged("time"))
	tm, ok := second.Value("time")
	assert.True(t, ok)
	assert.Equal(t, "12:00", tm)

	v, ok := sub.Value("item1", "last")
	assert.True(t, ok)
	assert.Equal(t, "11", v)
	_, ok = sub.Value("item2", "last")
	assert.False(t, ok)
}

func TestMergeWithoutSnapshot(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"last"})
	require.NoError(t, sub.SetRequestedSnapshot(SnapshotNo))
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("10")})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed", "update:1:"}, d.getEvents())
	assert.False(t, d.getUpdates()[0].IsSnapshot())
}

func TestDistinctSnapshot(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Distinct, []string{"news"}, []string{"headline"})
	require.NoError(t, sub.SetRequestedSnapshot("2"))
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("a")})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("b")})
	r.Handle(protocol.EndOfSnapshot{SubID: id, Item: 1})
	r.Handle(protocol.EndOfSnapshot{SubID: id, Item: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("b")})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed", "update:1:", "update:1:", "eos:1", "update:1:"}, d.getEvents())
	updates := d.getUpdates()
	assert.True(t, updates[0].IsSnapshot())
	assert.True(t, updates[1].IsSnapshot())
	assert.False(t, updates[2].IsSnapshot())
	assert.False(t, updates[2].IsValueChanged("headline"))
}

func TestRawHasNoSnapshot(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Raw, []string{"feed"}, []string{"v"})
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("x")})
	r.Handle(protocol.EndOfSnapshot{SubID: id, Item: 1})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed", "update:1:"}, d.getEvents())
	assert.False(t, d.getUpdates()[0].IsSnapshot())
}

func TestUnchangedMarkerWithoutHistoryIsDropped(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"a"})
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("=")})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("x", "y")})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed"}, d.getEvents())
}

func TestCommandChangeDetection(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Command, []string{"portfolio"}, []string{"key", "command", "qty"})
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 3, KeyPos: 1, CmdPos: 2})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("A", "ADD", "10")})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("B", "ADD", "10")})
	r.Handle(protocol.EndOfSnapshot{SubID: id, Item: 1})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("A", "UPDATE", "10")})
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("B", "DELETE", "#")})
	flush(t, lane)

	assert.Equal(t, []string{
		"listen-start", "subscribed",
		"update:1:A", "update:1:B", "eos:1", "update:1:A", "update:1:B",
	}, d.getEvents())

	updates := d.getUpdates()
	require.Len(t, updates, 4)

	// B is new even though qty equals the previous update of the item
	assert.True(t, updates[1].IsSnapshot())
	assert.True(t, updates[1].IsValueChanged("qty"))

	// same key, same qty
	assert.False(t, updates[2].IsSnapshot())
	assert.True(t, updates[2].IsValueChanged("command"))
	assert.False(t, updates[2].IsValueChanged("qty"))
	assert.False(t, updates[2].IsValueChanged("key"))

	del := updates[3]
	assert.False(t, del.IsValueChanged("key"))
	assert.True(t, del.IsValueChanged("command"))
	assert.True(t, del.IsValueChanged("qty"))
	_, ok := del.Value("qty")
	assert.False(t, ok)

	qty, ok := sub.CommandValue("portfolio", "A", "qty")
	assert.True(t, ok)
	assert.Equal(t, "10", qty)
	_, ok = sub.CommandValue("portfolio", "B", "qty")
	assert.False(t, ok)
}

func TestTwoLevelCommand(t *testing.T) {
	setup := func(t *testing.T) (*Registry, *dispatch.Dispatcher, *recordingSender, *recordingDelegate, *Subscription, int) {
		r, lane, sender := newTestRegistry(t)
		d := &recordingDelegate{}
		sub, _ := New(Command, []string{"portfolio"}, []string{"key", "command", "qty"})
		require.NoError(t, sub.SetCommandSecondLevelFields([]string{"bid", "ask"}))
		require.NoError(t, sub.SetCommandSecondLevelDataAdapter("QUOTES"))
		require.NoError(t, sub.SetRequestedMaxFrequency(Unfiltered))
		sub.AddDelegate(d)
		activate(t, r, sub)

		id := lastSubID(t, sender)
		r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 3, KeyPos: 1, CmdPos: 2})
		return r, lane, sender, d, sub, id
	}

	t.Run("add creates one child, delete removes it", func(t *testing.T) {
		r, lane, sender, d, sub, id := setup(t)

		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("AAPL", "ADD", "5")})
		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("AAPL", "UPDATE", "6")})

		subs := sender.subscribes()
		require.Len(t, subs, 2)
		child := subs[1]
		assert.Equal(t, "MERGE", child.Mode)
		assert.Equal(t, []string{"AAPL"}, child.Items)
		assert.Equal(t, []string{"bid", "ask"}, child.Fields)
		assert.Equal(t, "QUOTES", child.DataAdapter)
		assert.Equal(t, SnapshotYes, child.Snapshot)
		assert.Equal(t, Unfiltered, child.MaxFrequency)
		assert.Len(t, r.Subscriptions(), 1)

		r.Handle(protocol.SubscribeOK{SubID: child.SubID, Items: 1, Fields: 2})
		r.Handle(protocol.Update{SubID: child.SubID, Item: 1, Values: vals("100", "101")})
		flush(t, lane)

		updates := d.getUpdates()
		require.Len(t, updates, 3)
		quote := updates[2]
		assert.Equal(t, "AAPL", quote.Key())
		assert.Equal(t, 5, quote.FieldCount())
		bid, ok := quote.Value("bid")
		assert.True(t, ok)
		assert.Equal(t, "100", bid)
		assert.True(t, quote.IsValueChanged("bid"))
		assert.False(t, quote.IsValueChanged("qty"))
		qty, _ := quote.Value("qty")
		assert.Equal(t, "6", qty)

		ask, ok := sub.CommandValue("portfolio", "AAPL", "ask")
		assert.True(t, ok)
		assert.Equal(t, "101", ask)

		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("AAPL", "DELETE", "#")})
		unsubs := sender.unsubscribes()
		require.Len(t, unsubs, 1)
		assert.Equal(t, child.SubID, unsubs[0].SubID)

		// a late update for the deleted key is ignored
		r.Handle(protocol.Update{SubID: child.SubID, Item: 1, Values: vals("102", "103")})
		flush(t, lane)
		updates = d.getUpdates()
		require.Len(t, updates, 4)
		assert.Equal(t, "DELETE", func() string { v, _ := updates[3].Value("command"); return v }())
		assert.True(t, updates[3].IsValueChanged("bid"))

		// the key can come back with a new child
		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("AAPL", "ADD", "1")})
		assert.Len(t, sender.subscribes(), 3)
	})

	t.Run("invalid key reports error 14 without a request", func(t *testing.T) {
		r, lane, sender, d, _, id := setup(t)

		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("bad key", "ADD", "1")})
		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("bad key", "UPDATE", "2")})
		flush(t, lane)

		assert.Len(t, sender.subscribes(), 1)
		assert.Contains(t, d.getEvents(), "error2:bad key:14")
		count := 0
		for _, ev := range d.getEvents() {
			if ev == "error2:bad key:14" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("child errors and overflow reach parent delegates", func(t *testing.T) {
		r, lane, sender, d, _, id := setup(t)

		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("MSFT", "ADD", "1")})
		child := sender.subscribes()[1]
		r.Handle(protocol.SubscribeOK{SubID: child.SubID, Items: 1, Fields: 2})
		r.Handle(protocol.Overflow{SubID: child.SubID, Item: 1, Lost: 3})
		r.Handle(protocol.SubscriptionError{SubID: child.SubID, Code: 21, Message: "bad item"})
		flush(t, lane)

		events := d.getEvents()
		assert.Contains(t, events, "lost2:MSFT:3")
		assert.Contains(t, events, "error2:MSFT:21")
	})

	t.Run("unsubscribing the parent drops children", func(t *testing.T) {
		r, _, sender, _, sub, id := setup(t)

		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("MSFT", "ADD", "1")})
		child := sender.subscribes()[1]
		r.Handle(protocol.SubscribeOK{SubID: child.SubID, Items: 1, Fields: 2})

		require.NoError(t, r.Detach(sub))
		r.Remove(sub)

		var ids []int
		for _, u := range sender.unsubscribes() {
			ids = append(ids, u.SubID)
		}
		assert.ElementsMatch(t, []int{id, child.SubID}, ids)
	})
}

func TestSessionLifecycle(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"f"})
	sub.AddDelegate(d)
	activate(t, r, sub)

	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})

	r.SessionEnded()
	flush(t, lane)
	assert.True(t, sub.IsActive())
	assert.False(t, sub.IsSubscribed())
	assert.Equal(t, []string{"listen-start", "subscribed", "unsubscribed"}, d.getEvents())

	// events from the old session are ignored
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("x")})

	next := &recordingSender{}
	r.SessionStarted(next)
	subs := next.subscribes()
	require.Len(t, subs, 1)
	assert.NotEqual(t, id, subs[0].SubID)

	r.Handle(protocol.SubscribeOK{SubID: subs[0].SubID, Items: 1, Fields: 1})
	flush(t, lane)
	assert.Equal(t, []string{"listen-start", "subscribed", "unsubscribed", "subscribed"}, d.getEvents())
}

func TestUnsubscribe(t *testing.T) {
	t.Run("notified on confirmation", func(t *testing.T) {
		r, lane, sender := newTestRegistry(t)
		d := &recordingDelegate{}
		sub, _ := New(Merge, []string{"item1"}, []string{"f"})
		sub.AddDelegate(d)
		activate(t, r, sub)
		id := lastSubID(t, sender)
		r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})

		require.NoError(t, r.Detach(sub))
		r.Remove(sub)
		assert.Equal(t, protocol.Unsubscribe{SubID: id}, sender.last())
		assert.Empty(t, r.Subscriptions())

		// updates racing the unsubscribe are not delivered
		r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("x")})
		flush(t, lane)
		assert.Equal(t, []string{"listen-start", "subscribed"}, d.getEvents())

		r.Handle(protocol.UnsubscribeOK{SubID: id})
		flush(t, lane)
		assert.Equal(t, []string{"listen-start", "subscribed", "unsubscribed"}, d.getEvents())
	})

	t.Run("notified on session end", func(t *testing.T) {
		r, lane, sender := newTestRegistry(t)
		d := &recordingDelegate{}
		sub, _ := New(Merge, []string{"item1"}, []string{"f"})
		sub.AddDelegate(d)
		activate(t, r, sub)
		id := lastSubID(t, sender)
		r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})

		require.NoError(t, r.Detach(sub))
		r.Remove(sub)
		r.SessionEnded()
		r.Handle(protocol.UnsubscribeOK{SubID: id})
		flush(t, lane)

		assert.Equal(t, []string{"listen-start", "subscribed", "unsubscribed"}, d.getEvents())
	})

	t.Run("before confirmation", func(t *testing.T) {
		r, lane, sender := newTestRegistry(t)
		d := &recordingDelegate{}
		sub, _ := New(Merge, []string{"item1"}, []string{"f"})
		sub.AddDelegate(d)
		activate(t, r, sub)
		id := lastSubID(t, sender)

		require.NoError(t, r.Detach(sub))
		r.Remove(sub)
		r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
		r.Handle(protocol.UnsubscribeOK{SubID: id})
		flush(t, lane)

		assert.Equal(t, []string{"listen-start"}, d.getEvents())
		assert.False(t, sub.IsSubscribed())
	})
}

func TestFrequencyChange(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"f"})
	require.NoError(t, sub.SetRequestedMaxFrequency("1"))
	sub.AddDelegate(d)
	activate(t, r, sub)
	id := lastSubID(t, sender)

	// not subscribed yet: nothing to reconfigure
	require.NoError(t, sub.SetRequestedMaxFrequency("2"))
	_, isSub := sender.last().(protocol.Subscribe)
	assert.True(t, isSub)

	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})
	require.NoError(t, sub.SetRequestedMaxFrequency("3"))
	assert.Equal(t, protocol.Reconfigure{SubID: id, MaxFrequency: "3"}, sender.last())
	assert.True(t, sub.IsActive())
	assert.True(t, sub.IsSubscribed())

	assert.ErrorIs(t, sub.SetRequestedMaxFrequency(Unfiltered), ErrIllegalState)
	assert.ErrorIs(t, sub.SetRequestedMaxFrequency(""), ErrIllegalState)
	assert.Equal(t, "3", sub.RequestedMaxFrequency())

	r.Handle(protocol.Reconfigured{SubID: id, MaxFrequency: "3"})
	flush(t, lane)
	assert.Equal(t, "3", sub.RealMaxFrequency())
	assert.Contains(t, d.getEvents(), "frequency:3")
}

func TestSubscriptionErrorAndOverflow(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"f"})
	sub.AddDelegate(d)
	activate(t, r, sub)
	id := lastSubID(t, sender)

	r.Handle(protocol.SubscriptionError{SubID: id, Code: 20, Message: "unknown item"})
	flush(t, lane)
	assert.Equal(t, []string{"listen-start", "error:20"}, d.getEvents())
	assert.True(t, sub.IsActive())
	assert.False(t, sub.IsSubscribed())

	// retried on the next session
	r.SessionEnded()
	next := &recordingSender{}
	r.SessionStarted(next)
	nid := lastSubID(t, next)
	r.Handle(protocol.SubscribeOK{SubID: nid, Items: 1, Fields: 1})
	r.Handle(protocol.Overflow{SubID: nid, Item: 1, Lost: 4})
	r.Handle(protocol.ClearSnapshot{SubID: nid, Item: 1})
	flush(t, lane)
	assert.Equal(t, []string{"listen-start", "error:20", "subscribed", "lost:1:4", "clear:1"}, d.getEvents())

	assert.False(t, r.Handle(protocol.Keepalive{}))
}

func TestDelegateBracketing(t *testing.T) {
	r, lane, sender := newTestRegistry(t)
	d := &recordingDelegate{}
	sub, _ := New(Merge, []string{"item1"}, []string{"f"})

	// added while detached: delivered on the shared lane, still before anything else
	sub.AddDelegate(d)
	sub.AddDelegate(d)
	activate(t, r, sub)
	id := lastSubID(t, sender)
	r.Handle(protocol.SubscribeOK{SubID: id, Items: 1, Fields: 1})

	sub.RemoveDelegate(d)
	r.Handle(protocol.Update{SubID: id, Item: 1, Values: vals("x")})
	flush(t, lane)

	assert.Equal(t, []string{"listen-start", "subscribed", "listen-end"}, d.getEvents())
	assert.Empty(t, sub.Delegates())
}
