// Package transform turns item updates into JSON-friendly records and
// reshapes them with a chain of transform functions, jq filters included.
package transform

import (
	"slices"
	"strconv"

	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
)

// Record is one item update on its way to output. Payload starts as the
// document built by NewRecord and is replaced by transforms.
type Record struct {
	Mode     subscription.Mode
	Item     string
	Key      string
	Snapshot bool
	Payload  any

	update *subscription.ItemUpdate
}

// RecordTransformFunc modifies, replaces or drops a record. Returning nil
// drops it; returning false stops the chain.
type RecordTransformFunc func(rec *Record) (*Record, bool)

// NewRecord builds the record of an update. The payload is an object with
// "item", "pos", "snapshot", "fields" (name to value, null for missing
// values) and "changed" (names of changed fields), plus "key" for COMMAND
// subscriptions.
func NewRecord(sub *subscription.Subscription, u *subscription.ItemUpdate) *Record {
	all, changedFields := fieldMaps(u)
	fields := make(map[string]any, len(all))
	for name, value := range all {
		fields[name] = stringOrNil(value)
	}

	names := make([]string, 0, len(changedFields))
	for name := range changedFields {
		names = append(names, name)
	}
	slices.Sort(names)
	changed := make([]any, 0, len(names))
	for _, name := range names {
		changed = append(changed, name)
	}

	doc := map[string]any{
		"item":     u.ItemName(),
		"pos":      u.ItemPos(),
		"snapshot": u.IsSnapshot(),
		"fields":   fields,
		"changed":  changed,
	}
	if u.Key() != "" {
		doc["key"] = u.Key()
	}

	rec := &Record{
		Item:     u.ItemName(),
		Key:      u.Key(),
		Snapshot: u.IsSnapshot(),
		Payload:  doc,
		update:   u,
	}
	if sub != nil {
		rec.Mode = sub.Mode()
	}
	return rec
}

// fieldMaps keys the fields by name, or by position when the subscription
// uses a field schema.
func fieldMaps(u *subscription.ItemUpdate) (all, changed map[string]*string) {
	all = u.Fields()
	if len(all) > 0 || u.FieldCount() == 0 {
		return all, u.ChangedFields()
	}
	all = make(map[string]*string)
	for pos, v := range u.FieldsByPosition() {
		all[strconv.Itoa(pos)] = v
	}
	changed = make(map[string]*string)
	for pos, v := range u.ChangedFieldsByPosition() {
		changed[strconv.Itoa(pos)] = v
	}
	return all, changed
}

func stringOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ApplyTransforms runs rec through transforms in order and returns the
// result, or nil if a transform dropped it.
func ApplyTransforms(rec *Record, transforms []RecordTransformFunc) *Record {
	for _, transform := range transforms {
		if rec == nil {
			return nil
		}
		var cont bool
		rec, cont = transform(rec)
		if !cont {
			break
		}
	}
	return rec
}

// DropSnapshot drops updates that belong to a snapshot.
func DropSnapshot() RecordTransformFunc {
	return func(rec *Record) (*Record, bool) {
		if rec.Snapshot {
			return nil, false
		}
		return rec, true
	}
}

// ChangedFieldsOnly trims the "fields" object of the payload to the fields
// whose value changed. Records whose payload was already replaced pass
// through untouched.
func ChangedFieldsOnly() RecordTransformFunc {
	return func(rec *Record) (*Record, bool) {
		doc, ok := rec.Payload.(map[string]any)
		if !ok || rec.update == nil {
			return rec, true
		}
		_, changed := fieldMaps(rec.update)
		fields := make(map[string]any, len(changed))
		for name, value := range changed {
			fields[name] = stringOrNil(value)
		}
		trimmed := make(map[string]any, len(doc))
		for k, v := range doc {
			trimmed[k] = v
		}
		trimmed["fields"] = fields
		out := *rec
		out.Payload = trimmed
		return &out, true
	}
}

// Delegate is a subscription delegate that passes every update through a
// transform chain and hands the surviving records to emit.
type Delegate struct {
	subscription.BaseDelegate
	transforms []RecordTransformFunc
	emit       func(*Record)
}

func NewDelegate(emit func(*Record), transforms ...RecordTransformFunc) *Delegate {
	return &Delegate{transforms: transforms, emit: emit}
}

func (d *Delegate) OnItemUpdate(sub *subscription.Subscription, u *subscription.ItemUpdate) {
	if rec := ApplyTransforms(NewRecord(sub, u), d.transforms); rec != nil {
		d.emit(rec)
	}
}
