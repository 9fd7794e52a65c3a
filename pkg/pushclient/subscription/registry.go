package subscription

import (
	"context"
	"slices"
	"sync"

	"github.com/tsarna/pushclient/pkg/pushclient/dispatch"
	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap"
)

// Sender transmits requests on the current session.
type Sender interface {
	Send(req protocol.Request)
}

type entryState int

const (
	entryIdle entryState = iota
	entrySubscribing
	entrySubscribed
	entryUnsubscribing
	entryFailed
)

type childKey struct {
	item int
	key  string
}

// entry is the registry's record of one subscription on the current session.
// Second-level entries have a parent and a key.
type entry struct {
	sub   *Subscription
	id    int
	state entryState

	parent   *entry
	item     int
	key      string
	children map[childKey]*entry
}

// Registry owns the active subscriptions of one client. Attach and Detach may
// be called from any goroutine; every other method must be called from the
// goroutine that owns the session (the one behind post).
type Registry struct {
	logger *zap.Logger
	lane   *dispatch.Dispatcher
	post   func(func())

	updateCounter o11y.Counter

	mu     sync.RWMutex
	active []*entry

	sender Sender
	nextID int
	byID   map[int]*entry
}

// NewRegistry creates a registry delivering notifications on lane. post must
// queue a function on the goroutine that drives the registry.
func NewRegistry(logger *zap.Logger, lane *dispatch.Dispatcher, post func(func())) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		lane:   lane,
		post:   post,
		byID:   make(map[int]*entry),
	}
}

// WithMetrics enables the update counter. Returns the same Registry for chaining.
func (r *Registry) WithMetrics(provider o11y.MetricsProvider) *Registry {
	if provider != nil {
		r.updateCounter = provider.Counter("pushclient_updates_total")
	}
	return r
}

// Attach marks sub active and binds it to this registry's lane. It fails with
// ErrIllegalState if sub is already active.
func (r *Registry) Attach(sub *Subscription) error {
	sub.mu.Lock()
	if sub.active {
		sub.mu.Unlock()
		return illegalState("subscription is already active")
	}
	sub.active = true
	sub.owner = r
	prevLane := sub.lane
	sub.lane = r.lane
	sub.mu.Unlock()

	// notifications already queued elsewhere must come first
	if prevLane == nil {
		prevLane = dispatch.Shared()
	}
	if prevLane != r.lane {
		barrier := prevLane.Barrier()
		_ = r.lane.Dispatch(func() { <-barrier })
	}
	return nil
}

// Detach marks sub inactive. It fails with ErrIllegalState if sub is not
// active on this registry.
func (r *Registry) Detach(sub *Subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.active || sub.owner != r {
		return illegalState("subscription is not active")
	}
	sub.active = false
	return nil
}

// Subscriptions returns the active first-level subscriptions in the order they
// were added.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, len(r.active))
	for i, e := range r.active {
		out[i] = e.sub
	}
	return out
}

// Add registers an attached subscription and subscribes it if a session exists.
func (r *Registry) Add(sub *Subscription) {
	e := &entry{sub: sub}
	r.mu.Lock()
	r.active = append(r.active, e)
	r.mu.Unlock()

	if r.sender != nil {
		r.subscribe(e)
	}
}

// Remove unregisters sub and unsubscribes it if a session exists.
// OnUnsubscription follows once the server confirms or the session ends.
func (r *Registry) Remove(sub *Subscription) {
	r.mu.Lock()
	i := slices.IndexFunc(r.active, func(e *entry) bool { return e.sub == sub })
	if i < 0 {
		r.mu.Unlock()
		return
	}
	e := r.active[i]
	r.active = slices.Delete(r.active, i, i+1)
	r.mu.Unlock()

	r.unsubscribe(e)
}

// SessionStarted submits every active subscription on a new session.
func (r *Registry) SessionStarted(sender Sender) {
	r.sender = sender
	r.byID = make(map[int]*entry)

	r.mu.RLock()
	entries := slices.Clone(r.active)
	r.mu.RUnlock()

	for _, e := range entries {
		r.subscribe(e)
	}
}

// SessionEnded drops every server-side subscription. Subscriptions stay
// active and are submitted again on the next session.
func (r *Registry) SessionEnded() {
	for _, e := range r.byID {
		if e.parent != nil {
			continue
		}
		r.markUnsubscribed(e)
		e.children = nil
		e.state = entryIdle
	}
	r.byID = make(map[int]*entry)
	r.sender = nil
}

func (r *Registry) frequencyChanged(sub *Subscription) {
	if r.post == nil {
		return
	}
	r.post(func() { r.Reconfigure(sub) })
}

// Reconfigure sends the current requested max frequency of sub, and of its
// second-level subscriptions, to the server.
func (r *Registry) Reconfigure(sub *Subscription) {
	if r.sender == nil {
		return
	}
	e := r.find(sub)
	if e == nil || e.state != entrySubscribed {
		return
	}
	freq := sub.RequestedMaxFrequency()
	r.sender.Send(protocol.Reconfigure{SubID: e.id, MaxFrequency: freq})
	for _, child := range e.children {
		child.sub.mu.Lock()
		child.sub.maxFrequency = freq
		child.sub.mu.Unlock()
		if child.state == entrySubscribed {
			r.sender.Send(protocol.Reconfigure{SubID: child.id, MaxFrequency: freq})
		}
	}
}

func (r *Registry) find(sub *Subscription) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.active {
		if e.sub == sub {
			return e
		}
	}
	return nil
}

func (r *Registry) subscribe(e *entry) {
	r.nextID++
	e.id = r.nextID
	e.state = entrySubscribing
	e.children = nil
	r.byID[e.id] = e

	sub := e.sub
	sub.mu.Lock()
	sub.resetLocked()
	req := protocol.Subscribe{
		SubID:        e.id,
		Mode:         string(sub.mode),
		Items:        slices.Clone(sub.items),
		Group:        sub.group,
		Fields:       slices.Clone(sub.fields),
		Schema:       sub.schema,
		DataAdapter:  sub.dataAdapter,
		Selector:     sub.selector,
		Snapshot:     sub.snapshot,
		BufferSize:   sub.bufferSize,
		MaxFrequency: sub.maxFrequency,
	}
	sub.mu.Unlock()

	r.logger.Debug("Subscribing", zap.Int("subId", e.id), zap.String("mode", req.Mode))
	r.sender.Send(req)
}

func (r *Registry) unsubscribe(e *entry) {
	for ck, child := range e.children {
		r.dropChild(e, ck, child)
	}

	if r.sender == nil || (e.state != entrySubscribing && e.state != entrySubscribed) {
		delete(r.byID, e.id)
		e.state = entryIdle
		return
	}
	e.state = entryUnsubscribing
	r.logger.Debug("Unsubscribing", zap.Int("subId", e.id))
	r.sender.Send(protocol.Unsubscribe{SubID: e.id})
}

// markUnsubscribed clears the subscribed flag and notifies, if it was set.
func (r *Registry) markUnsubscribed(e *entry) {
	sub := e.sub
	sub.mu.Lock()
	was := sub.subscribed
	sub.subscribed = false
	sub.mu.Unlock()

	if was {
		sub.notify(func(d Delegate) { d.OnUnsubscription(sub) })
	}
}

// Handle routes a subscription event. Returns false for events that do not
// concern subscriptions.
func (r *Registry) Handle(ev protocol.Event) bool {
	switch ev := ev.(type) {
	case protocol.SubscribeOK:
		r.onSubscribeOK(ev)
	case protocol.UnsubscribeOK:
		r.onUnsubscribeOK(ev)
	case protocol.SubscriptionError:
		r.onSubscriptionError(ev)
	case protocol.Update:
		r.onUpdate(ev)
	case protocol.EndOfSnapshot:
		r.onEndOfSnapshot(ev)
	case protocol.ClearSnapshot:
		r.onClearSnapshot(ev)
	case protocol.Overflow:
		r.onOverflow(ev)
	case protocol.Reconfigured:
		r.onReconfigured(ev)
	default:
		return false
	}
	return true
}

func (r *Registry) lookup(subID int) *entry {
	e := r.byID[subID]
	if e == nil {
		r.logger.Debug("Event for unknown subscription", zap.Int("subId", subID))
	}
	return e
}

func (r *Registry) onSubscribeOK(ev protocol.SubscribeOK) {
	e := r.lookup(ev.SubID)
	if e == nil || e.state != entrySubscribing {
		return
	}
	e.state = entrySubscribed

	sub := e.sub
	sub.mu.Lock()
	sub.subscribed = true
	if ev.Items > 0 {
		sub.itemCount = ev.Items
	}
	if ev.Fields > 0 && sub.fields == nil {
		sub.fieldCount = ev.Fields
	}
	if ev.KeyPos > 0 {
		sub.keyPos = ev.KeyPos
	}
	if ev.CmdPos > 0 {
		sub.cmdPos = ev.CmdPos
	}
	sub.mu.Unlock()

	if e.parent != nil {
		return
	}
	sub.notify(func(d Delegate) { d.OnSubscription(sub) })
}

func (r *Registry) onUnsubscribeOK(ev protocol.UnsubscribeOK) {
	e := r.lookup(ev.SubID)
	if e == nil {
		return
	}
	delete(r.byID, ev.SubID)
	if e.parent != nil {
		return
	}
	if e.state == entryUnsubscribing {
		e.state = entryIdle
	}
	r.markUnsubscribed(e)
}

func (r *Registry) onSubscriptionError(ev protocol.SubscriptionError) {
	e := r.lookup(ev.SubID)
	if e == nil {
		return
	}
	delete(r.byID, ev.SubID)

	if e.parent != nil {
		parent := e.parent
		ck := childKey{item: e.item, key: e.key}
		if parent.children[ck] == e {
			e.state = entryFailed
		}
		psub := parent.sub
		psub.notify(func(d Delegate) {
			d.OnCommandSecondLevelSubscriptionError(psub, ev.Code, ev.Message, e.key)
		})
		return
	}

	wasUnsubscribing := e.state == entryUnsubscribing
	e.state = entryFailed
	sub := e.sub
	r.logger.Warn("Subscription refused", zap.Int("subId", ev.SubID), zap.Int("code", ev.Code), zap.String("message", ev.Message))
	sub.notify(func(d Delegate) { d.OnSubscriptionError(sub, ev.Code, ev.Message) })
	if wasUnsubscribing {
		r.markUnsubscribed(e)
	}
}

func (r *Registry) onEndOfSnapshot(ev protocol.EndOfSnapshot) {
	e := r.lookup(ev.SubID)
	if e == nil || e.parent != nil || e.state != entrySubscribed {
		return
	}
	sub := e.sub
	sub.mu.Lock()
	if sub.mode == Raw {
		sub.mu.Unlock()
		return
	}
	st := sub.itemStateLocked(ev.Item)
	st.snapshotPending = false
	deliver := !st.eosDelivered
	st.eosDelivered = true
	name := sub.itemName(ev.Item)
	sub.mu.Unlock()

	if deliver {
		sub.notify(func(d Delegate) { d.OnEndOfSnapshot(sub, name, ev.Item) })
	}
}

func (r *Registry) onClearSnapshot(ev protocol.ClearSnapshot) {
	e := r.lookup(ev.SubID)
	if e == nil || e.parent != nil || e.state != entrySubscribed {
		return
	}
	sub := e.sub
	sub.mu.Lock()
	st := sub.itemStateLocked(ev.Item)
	st.values = nil
	st.seen = false
	if st.rows != nil {
		st.rows = make(map[string][]*string)
	}
	name := sub.itemName(ev.Item)
	sub.mu.Unlock()

	for ck, child := range e.children {
		if ck.item == ev.Item {
			r.dropChild(e, ck, child)
		}
	}
	sub.notify(func(d Delegate) { d.OnClearSnapshot(sub, name, ev.Item) })
}

func (r *Registry) onOverflow(ev protocol.Overflow) {
	e := r.lookup(ev.SubID)
	if e == nil || e.state != entrySubscribed {
		return
	}
	if e.parent != nil {
		psub := e.parent.sub
		psub.notify(func(d Delegate) { d.OnCommandSecondLevelItemLostUpdates(psub, ev.Lost, e.key) })
		return
	}
	sub := e.sub
	name := sub.itemName(ev.Item)
	sub.notify(func(d Delegate) { d.OnItemLostUpdates(sub, name, ev.Item, ev.Lost) })
}

func (r *Registry) onReconfigured(ev protocol.Reconfigured) {
	e := r.lookup(ev.SubID)
	if e == nil || e.parent != nil {
		return
	}
	sub := e.sub
	sub.mu.Lock()
	sub.realMaxFreq = ev.MaxFrequency
	sub.mu.Unlock()
	sub.notify(func(d Delegate) { d.OnRealMaxFrequency(sub, ev.MaxFrequency) })
}

func (r *Registry) countUpdate(mode Mode) {
	if r.updateCounter != nil {
		r.updateCounter.Add(context.Background(), 1, o11y.Label{Key: "mode", Value: string(mode)})
	}
}
