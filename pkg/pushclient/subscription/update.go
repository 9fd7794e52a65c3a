package subscription

// ItemUpdate is one update delivered for an item. It is owned by the
// delegate call that receives it.
type ItemUpdate struct {
	itemName string
	itemPos  int
	key      string
	snapshot bool

	fields  []string
	values  []*string
	changed []bool
}

// NewItemUpdate builds an update. Field positions are 1-based in the accessors
// and map to index pos-1 of fields, values and changed. fields may be nil when
// the subscription addresses its fields through a schema.
func NewItemUpdate(itemName string, itemPos int, key string, snapshot bool, fields []string, values []*string, changed []bool) *ItemUpdate {
	if len(changed) < len(values) {
		padded := make([]bool, len(values))
		copy(padded, changed)
		changed = padded
	}
	return &ItemUpdate{
		itemName: itemName,
		itemPos:  itemPos,
		key:      key,
		snapshot: snapshot,
		fields:   fields,
		values:   values,
		changed:  changed,
	}
}

// ItemName is empty when the subscription addresses its items through a group.
func (u *ItemUpdate) ItemName() string { return u.itemName }

func (u *ItemUpdate) ItemPos() int { return u.itemPos }

// Key is the row key of a COMMAND update, empty otherwise.
func (u *ItemUpdate) Key() string { return u.key }

func (u *ItemUpdate) IsSnapshot() bool { return u.snapshot }

func (u *ItemUpdate) FieldCount() int { return len(u.values) }

func (u *ItemUpdate) fieldPos(name string) int {
	for i, f := range u.fields {
		if f == name {
			return i + 1
		}
	}
	return 0
}

// ValueByPos returns the value of a field; ok is false for null values and
// unknown positions.
func (u *ItemUpdate) ValueByPos(pos int) (string, bool) {
	if pos < 1 || pos > len(u.values) || u.values[pos-1] == nil {
		return "", false
	}
	return *u.values[pos-1], true
}

func (u *ItemUpdate) Value(field string) (string, bool) {
	return u.ValueByPos(u.fieldPos(field))
}

func (u *ItemUpdate) IsValueChangedByPos(pos int) bool {
	if pos < 1 || pos > len(u.changed) {
		return false
	}
	return u.changed[pos-1]
}

func (u *ItemUpdate) IsValueChanged(field string) bool {
	return u.IsValueChangedByPos(u.fieldPos(field))
}

// Fields returns every field by name. Empty when fields have no names.
func (u *ItemUpdate) Fields() map[string]*string {
	out := make(map[string]*string, len(u.fields))
	for i, name := range u.fields {
		if i < len(u.values) {
			out[name] = u.values[i]
		}
	}
	return out
}

// ChangedFields returns the fields whose value changed, by name.
func (u *ItemUpdate) ChangedFields() map[string]*string {
	out := make(map[string]*string)
	for i, name := range u.fields {
		if i < len(u.values) && u.changed[i] {
			out[name] = u.values[i]
		}
	}
	return out
}

func (u *ItemUpdate) FieldsByPosition() map[int]*string {
	out := make(map[int]*string, len(u.values))
	for i, v := range u.values {
		out[i+1] = v
	}
	return out
}

func (u *ItemUpdate) ChangedFieldsByPosition() map[int]*string {
	out := make(map[int]*string)
	for i, v := range u.values {
		if u.changed[i] {
			out[i+1] = v
		}
	}
	return out
}
