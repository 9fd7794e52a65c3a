// Package subscription implements subscriptions to items of a push server and
// the registry that ties them to the current session.
package subscription

import (
	"errors"
	"slices"
	"strconv"
	"sync"

	"github.com/tsarna/pushclient/pkg/pushclient/dispatch"
)

// Subscription describes a set of items and fields to receive updates for.
//
// Item and field addressing is fixed at construction: either explicit lists
// (New) or server-side group and schema names (NewGroup). Settings can only be
// changed while the subscription is inactive, except the requested maximum
// frequency. All methods are safe for concurrent use.
type Subscription struct {
	mu sync.RWMutex

	mode   Mode
	items  []string
	group  string
	fields []string
	schema string

	dataAdapter  string
	selector     string
	snapshot     string
	bufferSize   string
	maxFrequency string

	secondLevelFields  []string
	secondLevelAdapter string

	active     bool
	subscribed bool
	owner      *Registry
	lane       *dispatch.Dispatcher

	itemCount   int
	fieldCount  int
	keyPos      int
	cmdPos      int
	itemStates  map[int]*itemState
	realMaxFreq string

	delegates dispatch.Listeners[Delegate]
}

type itemState struct {
	values          []*string
	seen            bool
	snapshotPending bool
	eosDelivered    bool
	rows            map[string][]*string
}

// New creates a subscription addressing its items and fields by name.
func New(mode Mode, items []string, fields []string) (*Subscription, error) {
	if !mode.IsValid() {
		return nil, illegalArgument("unknown subscription mode %q", mode)
	}
	if len(items) == 0 {
		return nil, illegalArgument("item list is empty")
	}
	for _, item := range items {
		if !ValidItemName(item) {
			return nil, illegalArgument("invalid item name %q", item)
		}
	}
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	s := &Subscription{
		mode:   mode,
		items:  slices.Clone(items),
		fields: slices.Clone(fields),
	}
	if mode == Command {
		s.keyPos = slices.Index(fields, KeyField) + 1
		s.cmdPos = slices.Index(fields, CommandField) + 1
		if s.keyPos == 0 || s.cmdPos == 0 {
			return nil, illegalArgument("COMMAND field list must include %q and %q", KeyField, CommandField)
		}
	}
	s.itemCount = len(items)
	s.fieldCount = len(fields)
	s.setDefaults()
	return s, nil
}

// NewGroup creates a subscription addressing its items through a server-side
// item group and its fields through a field schema.
func NewGroup(mode Mode, group string, schema string) (*Subscription, error) {
	if !mode.IsValid() {
		return nil, illegalArgument("unknown subscription mode %q", mode)
	}
	if group == "" {
		return nil, illegalArgument("item group is empty")
	}
	if schema == "" {
		return nil, illegalArgument("field schema is empty")
	}
	s := &Subscription{
		mode:   mode,
		group:  group,
		schema: schema,
	}
	s.setDefaults()
	return s, nil
}

func (s *Subscription) setDefaults() {
	if s.mode != Raw {
		s.snapshot = SnapshotYes
	}
	s.itemStates = make(map[int]*itemState)
}

func validateFields(fields []string) error {
	if len(fields) == 0 {
		return illegalArgument("field list is empty")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !ValidFieldName(f) {
			return illegalArgument("invalid field name %q", f)
		}
		if seen[f] {
			return illegalArgument("duplicate field name %q", f)
		}
		seen[f] = true
	}
	return nil
}

func (s *Subscription) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return illegalState("subscription is active")
	}
	return fn()
}

func (s *Subscription) Mode() Mode {
	return s.mode
}

func (s *Subscription) Items() []string {
	return slices.Clone(s.items)
}

func (s *Subscription) ItemGroup() string {
	return s.group
}

func (s *Subscription) Fields() []string {
	return slices.Clone(s.fields)
}

func (s *Subscription) FieldSchema() string {
	return s.schema
}

func (s *Subscription) DataAdapter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataAdapter
}

func (s *Subscription) SetDataAdapter(name string) error {
	return s.mutate(func() error {
		s.dataAdapter = name
		return nil
	})
}

func (s *Subscription) Selector() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selector
}

func (s *Subscription) SetSelector(selector string) error {
	return s.mutate(func() error {
		s.selector = selector
		return nil
	})
}

func (s *Subscription) RequestedSnapshot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SetRequestedSnapshot accepts "yes", "no", an empty string for the server
// default, or a positive length (DISTINCT only). RAW subscriptions cannot
// request a snapshot.
func (s *Subscription) SetRequestedSnapshot(v string) error {
	return s.mutate(func() error {
		switch v {
		case "", SnapshotNo:
		case SnapshotYes:
			if s.mode == Raw {
				return illegalArgument("RAW subscriptions have no snapshot")
			}
		default:
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return illegalArgument("invalid snapshot %q", v)
			}
			if s.mode != Distinct {
				return illegalArgument("snapshot length is only valid in DISTINCT mode")
			}
		}
		s.snapshot = v
		return nil
	})
}

func (s *Subscription) RequestedBufferSize() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bufferSize
}

// SetRequestedBufferSize accepts "unlimited", an empty string for the server
// default, or a non-negative size.
func (s *Subscription) SetRequestedBufferSize(v string) error {
	return s.mutate(func() error {
		if v != "" && v != Unlimited {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return illegalArgument("invalid buffer size %q", v)
			}
		}
		s.bufferSize = v
		return nil
	})
}

func (s *Subscription) RequestedMaxFrequency() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxFrequency
}

func validFrequency(v string) bool {
	switch v {
	case "", Unlimited, Unfiltered:
		return true
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f > 0
}

// SetRequestedMaxFrequency accepts "unlimited", "unfiltered", an empty string
// for the server default, or a positive number of updates per second.
//
// Unlike the other settings it may be changed while the subscription is
// active, as long as neither the current nor the new value is "unfiltered" or
// the server default. The change is then applied to the running subscription.
func (s *Subscription) SetRequestedMaxFrequency(v string) error {
	if !validFrequency(v) {
		return illegalArgument("invalid max frequency %q", v)
	}

	s.mu.Lock()
	if s.mode == Raw && v != "" {
		s.mu.Unlock()
		return illegalArgument("RAW subscriptions have no frequency limit")
	}
	if s.active {
		if s.maxFrequency == Unfiltered || v == Unfiltered || s.maxFrequency == "" || v == "" {
			s.mu.Unlock()
			return illegalState("max frequency cannot change from %q to %q while active", s.maxFrequency, v)
		}
	}
	s.maxFrequency = v
	owner := s.owner
	active := s.active
	s.mu.Unlock()

	if active && owner != nil {
		owner.frequencyChanged(s)
	}
	return nil
}

func (s *Subscription) CommandSecondLevelFields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.secondLevelFields)
}

// SetCommandSecondLevelFields enables two-level behavior: every key of this
// COMMAND subscription gets a MERGE subscription for these fields, and their
// values are appended to the row. nil disables it.
func (s *Subscription) SetCommandSecondLevelFields(fields []string) error {
	return s.mutate(func() error {
		if s.mode != Command {
			return illegalState("second-level fields require COMMAND mode")
		}
		if fields != nil {
			if err := validateFields(fields); err != nil {
				return err
			}
		}
		s.secondLevelFields = slices.Clone(fields)
		return nil
	})
}

// SetCommandSecondLevelFieldSchema always fails: second-level subscriptions
// can only be addressed through a field list.
func (s *Subscription) SetCommandSecondLevelFieldSchema(schema string) error {
	return ErrSecondLevelSchemaUnsupported
}

func (s *Subscription) CommandSecondLevelDataAdapter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secondLevelAdapter
}

func (s *Subscription) SetCommandSecondLevelDataAdapter(name string) error {
	return s.mutate(func() error {
		if s.mode != Command {
			return illegalState("second-level data adapter requires COMMAND mode")
		}
		s.secondLevelAdapter = name
		return nil
	})
}

func (s *Subscription) isTwoLevel() bool {
	return s.mode == Command && len(s.secondLevelFields) > 0
}

// IsActive reports whether the subscription has been handed to a client and
// not yet unsubscribed.
func (s *Subscription) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// IsSubscribed reports whether the server currently confirms the subscription.
func (s *Subscription) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// KeyPosition is the 1-based position of the key field in COMMAND mode, 0 if
// not known yet.
func (s *Subscription) KeyPosition() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyPos
}

func (s *Subscription) CommandPosition() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmdPos
}

// RealMaxFrequency is the frequency last reported by the server.
func (s *Subscription) RealMaxFrequency() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realMaxFreq
}

func (s *Subscription) itemPos(name string) int {
	return slices.Index(s.items, name) + 1
}

// fieldPos resolves first-level names, then second-level names.
func (s *Subscription) fieldPos(name string) int {
	if i := slices.Index(s.fields, name); i >= 0 {
		return i + 1
	}
	if i := slices.Index(s.secondLevelFields, name); i >= 0 {
		return s.fieldCount + i + 1
	}
	return 0
}

func valueAt(values []*string, pos int) (string, bool) {
	if pos < 1 || pos > len(values) || values[pos-1] == nil {
		return "", false
	}
	return *values[pos-1], true
}

// ValueByPos returns the last value received for an item and field of a
// non-COMMAND subscription.
func (s *Subscription) ValueByPos(itemPos, fieldPos int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.itemStates[itemPos]
	if st == nil {
		return "", false
	}
	return valueAt(st.values, fieldPos)
}

func (s *Subscription) Value(item, field string) (string, bool) {
	return s.ValueByPos(s.itemPos(item), s.fieldPos(field))
}

// CommandValueByPos returns the last value of a field in the row of a COMMAND
// subscription identified by key. Second-level fields follow the first-level
// ones.
func (s *Subscription) CommandValueByPos(itemPos int, key string, fieldPos int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.itemStates[itemPos]
	if st == nil || st.rows == nil {
		return "", false
	}
	return valueAt(st.rows[key], fieldPos)
}

func (s *Subscription) CommandValue(item, key, field string) (string, bool) {
	return s.CommandValueByPos(s.itemPos(item), key, s.fieldPos(field))
}

// AddDelegate registers d and notifies it with OnListenStart. Adding the same
// delegate twice is a no-op.
func (s *Subscription) AddDelegate(d Delegate) {
	if d == nil {
		return
	}
	if h, added := s.delegates.Add(d); added {
		s.dispatch(func() { h.Value().OnListenStart(s) })
	}
}

// RemoveDelegate unregisters d and notifies it with OnListenEnd, after any
// notification already queued for it.
func (s *Subscription) RemoveDelegate(d Delegate) {
	if d == nil {
		return
	}
	if h, removed := s.delegates.Remove(d); removed {
		s.dispatch(func() {
			h.Value().OnListenEnd(s)
			h.Invalidate()
		})
	}
}

func (s *Subscription) Delegates() []Delegate {
	return s.delegates.Values()
}

func (s *Subscription) currentLane() *dispatch.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lane != nil {
		return s.lane
	}
	return dispatch.Shared()
}

func (s *Subscription) dispatch(task func()) {
	if err := s.currentLane().Dispatch(task); errors.Is(err, dispatch.ErrDispatcherClosed) {
		_ = dispatch.Shared().Dispatch(task)
	}
}

// notify queues fn for every delegate registered now.
func (s *Subscription) notify(fn func(Delegate)) {
	handles := s.delegates.Snapshot()
	if len(handles) == 0 {
		return
	}
	s.dispatch(func() {
		for _, h := range handles {
			if h.Valid() {
				fn(h.Value())
			}
		}
	})
}

func (s *Subscription) itemName(pos int) string {
	if pos >= 1 && pos <= len(s.items) {
		return s.items[pos-1]
	}
	return ""
}

// allFieldNames lists first-level then second-level names; nil when fields are
// addressed by schema.
func (s *Subscription) allFieldNames() []string {
	if s.fields == nil {
		return nil
	}
	out := make([]string, 0, len(s.fields)+len(s.secondLevelFields))
	out = append(out, s.fields...)
	return append(out, s.secondLevelFields...)
}

func (s *Subscription) snapshotRequested() bool {
	return s.mode != Raw && s.snapshot != "" && s.snapshot != SnapshotNo
}

// resetLocked clears per-item state before a new subscribe request.
func (s *Subscription) resetLocked() {
	s.itemStates = make(map[int]*itemState)
	s.realMaxFreq = ""
}

func (s *Subscription) itemStateLocked(pos int) *itemState {
	st := s.itemStates[pos]
	if st == nil {
		st = &itemState{snapshotPending: s.snapshotRequested()}
		if s.mode == Command {
			st.rows = make(map[string][]*string)
		}
		s.itemStates[pos] = st
	}
	return st
}
