package subscription

import (
	"fmt"
	"slices"

	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"go.uber.org/zap"
)

// decodeValues resolves unchanged markers against the previous values of the
// same item.
func decodeValues(prev []*string, in []protocol.FieldValue) ([]*string, error) {
	out := make([]*string, len(in))
	for i, fv := range in {
		if fv.Unchanged {
			if i >= len(prev) {
				return nil, fmt.Errorf("unchanged marker for field %d without a previous value", i+1)
			}
			out[i] = prev[i]
			continue
		}
		out[i] = fv.Value
	}
	return out, nil
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtr(s string) *string {
	return &s
}

func (r *Registry) onUpdate(ev protocol.Update) {
	e := r.lookup(ev.SubID)
	if e == nil || e.state != entrySubscribed {
		return
	}
	if e.parent != nil {
		r.onSecondLevelUpdate(e, ev)
		return
	}
	if e.sub.mode == Command {
		r.onCommandUpdate(e, ev)
		return
	}

	sub := e.sub
	sub.mu.Lock()
	if sub.fieldCount > 0 && len(ev.Values) != sub.fieldCount {
		sub.mu.Unlock()
		r.logger.Warn("Update with wrong field count", zap.Int("subId", ev.SubID), zap.Int("item", ev.Item), zap.Int("fields", len(ev.Values)))
		return
	}
	st := sub.itemStateLocked(ev.Item)
	values, err := decodeValues(st.values, ev.Values)
	if err != nil {
		sub.mu.Unlock()
		r.logger.Warn("Cannot decode update", zap.Int("subId", ev.SubID), zap.Int("item", ev.Item), zap.Error(err))
		return
	}

	changed := make([]bool, len(values))
	for i := range values {
		changed[i] = !st.seen || i >= len(st.values) || !sameValue(st.values[i], values[i])
	}

	var snapshot, endSnapshot bool
	switch sub.mode {
	case Merge:
		snapshot = st.snapshotPending && !st.seen
		if snapshot {
			st.snapshotPending = false
			endSnapshot = !st.eosDelivered
			st.eosDelivered = true
		}
	case Distinct:
		snapshot = st.snapshotPending
	}
	st.values = values
	st.seen = true

	name := sub.itemName(ev.Item)
	update := NewItemUpdate(name, ev.Item, "", snapshot, sub.fields, values, changed)
	sub.mu.Unlock()

	r.countUpdate(sub.mode)
	sub.notify(func(d Delegate) { d.OnItemUpdate(sub, update) })
	if endSnapshot {
		sub.notify(func(d Delegate) { d.OnEndOfSnapshot(sub, name, ev.Item) })
	}
}

func (r *Registry) onCommandUpdate(e *entry, ev protocol.Update) {
	sub := e.sub
	sub.mu.Lock()
	if sub.fieldCount > 0 && len(ev.Values) != sub.fieldCount {
		sub.mu.Unlock()
		r.logger.Warn("Update with wrong field count", zap.Int("subId", ev.SubID), zap.Int("item", ev.Item), zap.Int("fields", len(ev.Values)))
		return
	}
	st := sub.itemStateLocked(ev.Item)
	values, err := decodeValues(st.values, ev.Values)
	if err != nil {
		sub.mu.Unlock()
		r.logger.Warn("Cannot decode update", zap.Int("subId", ev.SubID), zap.Int("item", ev.Item), zap.Error(err))
		return
	}
	st.values = values
	st.seen = true

	key, okKey := valueAt(values, sub.keyPos)
	cmd, okCmd := valueAt(values, sub.cmdPos)
	if !okKey || !okCmd {
		sub.mu.Unlock()
		r.logger.Warn("COMMAND update without key or command", zap.Int("subId", ev.SubID), zap.Int("item", ev.Item))
		return
	}

	first := len(values)
	width := first + len(sub.secondLevelFields)
	prev := st.rows[key]
	row := make([]*string, width)
	changed := make([]bool, width)

	if cmd == CommandDelete {
		row[sub.keyPos-1] = strPtr(key)
		row[sub.cmdPos-1] = strPtr(CommandDelete)
		for i := range changed {
			changed[i] = i != sub.keyPos-1
		}
		delete(st.rows, key)
	} else {
		copy(row, prev)
		copy(row, values)
		for i := range row {
			if prev == nil {
				changed[i] = true
			} else if i < first {
				changed[i] = !sameValue(prev[i], values[i])
			}
		}
		st.rows[key] = row
	}

	snapshot := st.snapshotPending
	twoLevel := sub.isTwoLevel()
	name := sub.itemName(ev.Item)
	update := NewItemUpdate(name, ev.Item, key, snapshot, sub.allFieldNames(), row, changed)
	sub.mu.Unlock()

	r.countUpdate(Command)
	sub.notify(func(d Delegate) { d.OnItemUpdate(sub, update) })

	if !twoLevel {
		return
	}
	ck := childKey{item: ev.Item, key: key}
	if cmd == CommandDelete {
		if child := e.children[ck]; child != nil {
			r.dropChild(e, ck, child)
		}
		return
	}
	if _, exists := e.children[ck]; !exists {
		r.addChild(e, ck)
	}
}

// addChild creates the second-level subscription for a key.
func (r *Registry) addChild(parent *entry, ck childKey) {
	if parent.children == nil {
		parent.children = make(map[childKey]*entry)
	}
	psub := parent.sub

	if !ValidItemName(ck.key) {
		parent.children[ck] = &entry{parent: parent, item: ck.item, key: ck.key, state: entryFailed}
		psub.notify(func(d Delegate) {
			d.OnCommandSecondLevelSubscriptionError(psub, CodeInvalidSecondLevelItem, "invalid second-level item name", ck.key)
		})
		return
	}

	psub.mu.RLock()
	child := &Subscription{
		mode:         Merge,
		items:        []string{ck.key},
		fields:       slices.Clone(psub.secondLevelFields),
		dataAdapter:  psub.secondLevelAdapter,
		snapshot:     SnapshotYes,
		maxFrequency: psub.maxFrequency,
		active:       true,
		owner:        r,
		lane:         r.lane,
		itemCount:    1,
		fieldCount:   len(psub.secondLevelFields),
		itemStates:   make(map[int]*itemState),
	}
	psub.mu.RUnlock()

	ce := &entry{sub: child, parent: parent, item: ck.item, key: ck.key}
	parent.children[ck] = ce
	if r.sender != nil {
		r.subscribe(ce)
	}
}

// dropChild unsubscribes and forgets the second-level subscription of a key.
// Updates still in flight for its id are ignored.
func (r *Registry) dropChild(parent *entry, ck childKey, child *entry) {
	delete(parent.children, ck)
	if child.sub == nil {
		return
	}
	child.sub.mu.Lock()
	child.sub.active = false
	child.sub.mu.Unlock()
	r.unsubscribe(child)
}

func (r *Registry) onSecondLevelUpdate(ce *entry, ev protocol.Update) {
	parent := ce.parent
	ck := childKey{item: ce.item, key: ce.key}
	if parent.children[ck] != ce {
		return
	}

	child := ce.sub
	child.mu.Lock()
	if len(ev.Values) != child.fieldCount {
		child.mu.Unlock()
		r.logger.Warn("Second-level update with wrong field count", zap.Int("subId", ev.SubID), zap.String("key", ce.key))
		return
	}
	cst := child.itemStateLocked(1)
	values, err := decodeValues(cst.values, ev.Values)
	if err != nil {
		child.mu.Unlock()
		r.logger.Warn("Cannot decode second-level update", zap.Int("subId", ev.SubID), zap.Error(err))
		return
	}
	cst.values = values
	cst.seen = true
	child.mu.Unlock()

	psub := parent.sub
	psub.mu.Lock()
	st := psub.itemStateLocked(ce.item)
	prev := st.rows[ce.key]
	if prev == nil {
		psub.mu.Unlock()
		return
	}
	row := slices.Clone(prev)
	changed := make([]bool, len(row))
	offset := len(row) - len(values)
	for i, v := range values {
		changed[offset+i] = !sameValue(row[offset+i], v)
		row[offset+i] = v
	}
	if cmd, _ := valueAt(row, psub.cmdPos); cmd != CommandUpdate {
		row[psub.cmdPos-1] = strPtr(CommandUpdate)
		changed[psub.cmdPos-1] = true
	}
	st.rows[ce.key] = row

	name := psub.itemName(ce.item)
	update := NewItemUpdate(name, ce.item, ce.key, st.snapshotPending, psub.allFieldNames(), row, changed)
	psub.mu.Unlock()

	r.countUpdate(Command)
	psub.notify(func(d Delegate) { d.OnItemUpdate(psub, update) })
}
