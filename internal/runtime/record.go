package runtime

import (
	"fmt"
	"maps"
	"sort"

	"metaforge/internal/condition"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
)

// Record is one instance of a runtime type. It is not safe for concurrent
// mutation; share the Type, not the Record.
type Record struct {
	typ       *Type
	id        int64
	values    map[string]any
	persisted map[string]any
	supplied  map[string]struct{}
	errors    Errors
	nested    map[string][]map[string]any
}

// Change is an old/new value pair.
type Change struct {
	Old any
	New any
}

func newRecord(t *Type) *Record {
	return &Record{
		typ:      t,
		values:   make(map[string]any, len(t.fields)),
		supplied: map[string]struct{}{},
	}
}

// Type returns the runtime type of the record.
func (r *Record) Type() *Type { return r.typ }

// ID is zero until the record is persisted.
func (r *Record) ID() int64 { return r.id }

// IsNew reports a record that has never been persisted.
func (r *Record) IsNew() bool { return r.persisted == nil }

// Get returns the in-memory value of an attribute.
func (r *Record) Get(field string) any {
	if field == "id" {
		if r.id == 0 {
			return nil
		}
		return r.id
	}
	return r.values[field]
}

// Value implements condition.Entity.
func (r *Record) Value(field string) (any, bool) {
	if field == "id" {
		return r.Get("id"), true
	}
	v, ok := r.values[field]
	if !ok {
		return nil, r.typ.Attribute(field)
	}
	return v, true
}

// Values implements condition.Mapper. The map is a copy.
func (r *Record) Values() map[string]any {
	out := maps.Clone(r.values)
	if out == nil {
		out = map[string]any{}
	}
	if r.id != 0 {
		out["id"] = r.id
	}
	return out
}

// Set assigns an attribute, running its bound transforms in order.
// Unknown attributes are ignored.
func (r *Record) Set(field string, v any) {
	if !r.typ.Attribute(field) || field == "id" {
		return
	}
	if f, ok := r.typ.fields[field]; ok {
		for _, fn := range f.transforms {
			v = fn(v)
		}
	}
	r.values[field] = v
	r.supplied[field] = struct{}{}
}

// Supplied reports whether field was explicitly assigned since the record
// was built or last persisted.
func (r *Record) Supplied(field string) bool {
	_, ok := r.supplied[field]
	return ok
}

// Previous returns the last persisted value.
func (r *Record) Previous(field string) (any, bool) {
	if r.persisted == nil {
		return nil, false
	}
	v, ok := r.persisted[field]
	return v, ok
}

// PreviousState returns the persisted values as an entity, nil for new records.
func (r *Record) PreviousState() condition.Entity { return r.previousEntity() }

func (r *Record) previousEntity() condition.Entity {
	if r.persisted == nil {
		return nil
	}
	return condition.Snapshot(r.persisted)
}

// Changed reports whether field differs from its persisted value. On a new
// record every non-nil attribute counts as changed.
func (r *Record) Changed(field string) bool {
	if r.persisted == nil {
		return r.values[field] != nil
	}
	return !value.Equal(r.persisted[field], r.values[field])
}

// Changes returns every changed attribute.
func (r *Record) Changes() map[string]Change {
	out := map[string]Change{}
	keys := make(map[string]struct{}, len(r.values)+len(r.persisted))
	for k := range r.values {
		keys[k] = struct{}{}
	}
	for k := range r.persisted {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if r.Changed(k) {
			prev, _ := r.Previous(k)
			out[k] = Change{Old: prev, New: r.values[k]}
		}
	}
	return out
}

// ChangedFields lists the changed attributes, sorted.
func (r *Record) ChangedFields() []string {
	changes := r.Changes()
	out := make([]string, 0, len(changes))
	for k := range changes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Errors returns the errors of the last validation pass.
func (r *Record) Errors() Errors { return r.errors }

// AddError attaches a validation error.
func (r *Record) AddError(field, code, message string) {
	r.errors.Add(field, code, message)
}

// Valid reports whether the last validation pass found no errors.
func (r *Record) Valid() bool { return r.errors.Empty() }

// Label is the human-readable name of the record.
func (r *Record) Label() string {
	if lf := r.typ.labelField; lf != "" {
		if s := value.ToString(r.values[lf]); s != "" {
			return s
		}
	}
	if r.id == 0 {
		return "new " + r.typ.name
	}
	return fmt.Sprintf("%s #%d", r.typ.name, r.id)
}

// Custom returns the custom field bag. Nil when the type has no custom fields.
func (r *Record) Custom() map[string]any {
	if !r.typ.customFields {
		return nil
	}
	bag, _ := r.values["custom_fields"].(map[string]any)
	if bag == nil {
		bag = map[string]any{}
		r.values["custom_fields"] = bag
	}
	return bag
}

// SetCustom writes one custom field value.
func (r *Record) SetCustom(key string, v any) {
	bag := r.Custom()
	if bag == nil {
		return
	}
	next := maps.Clone(bag)
	next[key] = v
	r.values["custom_fields"] = next
	r.supplied["custom_fields"] = struct{}{}
}

// Attach adds descriptors to an attachment field. Single-file fields keep
// only the last one. Constraints are checked by Validate, not here.
func (r *Record) Attach(field string, atts ...Attachment) error {
	f, ok := r.typ.fields[field]
	if !ok || f.spec.Type != metadata.TypeAttachment {
		return fmt.Errorf("%s.%s is not an attachment field", r.typ.name, field)
	}
	current := attachmentsOf(r.values[field])
	next := append(append([]Attachment(nil), current...), atts...)
	if f.attachment == nil || !f.attachment.Multiple {
		if len(next) > 1 {
			next = next[len(next)-1:]
		}
	}
	r.values[field] = next
	r.supplied[field] = struct{}{}
	return nil
}

// Attachments returns the descriptors stored in field.
func (r *Record) Attachments(field string) []Attachment {
	return attachmentsOf(r.values[field])
}

// Nested returns entries assigned through "<association>_attributes".
func (r *Record) Nested() map[string][]map[string]any {
	return r.nested
}

// ClearNested drops pending nested entries once they have been written.
func (r *Record) ClearNested() {
	r.nested = nil
}

// MarkPersisted records a successful write. The current values become the
// new baseline for change tracking.
func (r *Record) MarkPersisted(id int64) {
	r.id = id
	r.persisted = maps.Clone(r.values)
	if r.persisted == nil {
		r.persisted = map[string]any{}
	}
	r.supplied = map[string]struct{}{}
}

// MarkDestroyed turns the record back into an unsaved one.
func (r *Record) MarkDestroyed() {
	r.id = 0
	r.persisted = nil
}

// setRaw bypasses transforms; used by defaults and computed fields.
func (r *Record) setRaw(field string, v any) {
	r.values[field] = v
}
