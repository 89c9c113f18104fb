// Package runtime holds compiled entity types and their instances. A Type is
// assembled by the builder through its Bind methods, then sealed; after
// that it is read-only and safe to share between goroutines.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
)

// State is the build state of a type.
type State int

const (
	StateUnbuilt State = iota
	StateSchemaSynced
	StatePipelineApplied
	StateUsable
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateSchemaSynced:
		return "schema_synced"
	case StatePipelineApplied:
		return "pipeline_applied"
	case StateUsable:
		return "usable"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrSealed is returned by Bind methods once the pipeline has finished.
var ErrSealed = errors.New("runtime type is sealed")

type (
	// Transform normalizes an assigned value.
	Transform func(v any) any

	// DefaultFunc yields an initial value; apply=false leaves the field unset.
	DefaultFunc func(ctx context.Context, rec *Record) (v any, apply bool, err error)

	// ComputeFunc derives a value before save.
	ComputeFunc func(ctx context.Context, rec *Record) (any, error)

	// SourceFunc fetches a virtual value on demand.
	SourceFunc func(ctx context.Context, rec *Record) (any, error)

	// ValidateFunc adds errors to rec.
	ValidateFunc func(ctx context.Context, rec *Record)
)

// FieldSpec is the read-only description of a field exposed to callers.
type FieldSpec struct {
	Name     string
	Label    string
	Type     metadata.FieldType
	Values   []string
	Virtual  bool
	Computed bool
	Readonly bool
	Hidden   bool
}

type field struct {
	spec       FieldSpec
	transforms []Transform
	source     SourceFunc
	attachment *metadata.AttachmentOptions
}

type namedDefault struct {
	field string
	fn    DefaultFunc
}

type namedCompute struct {
	field string
	fn    ComputeFunc
}

type namedValidator struct {
	name string
	fn   ValidateFunc
}

// Type is a compiled entity type.
type Type struct {
	name  string
	table string
	state State

	fields     map[string]*field
	fieldOrder []string
	columns    []string
	jsonCols   map[string]struct{}
	attributes map[string]struct{}

	defaults   []namedDefault
	computed   []namedCompute
	validators []namedValidator

	associations map[string]*Association
	assocOrder   []string
	positioning  *Positioning
	callbacks    map[metadata.EventKind][]Callback
	watchers     []Callback
	scopes       map[string]Query

	timestamps   bool
	labelField   string
	customFields bool
}

// NewType lays out fields, columns and scopes from a definition. The result
// is Unbuilt; the builder advances it through the pipeline.
func NewType(m *metadata.Model) *Type {
	t := &Type{
		name:         m.Name,
		table:        m.Table,
		fields:       make(map[string]*field, len(m.Fields)),
		jsonCols:     map[string]struct{}{},
		attributes:   map[string]struct{}{"id": {}},
		associations: map[string]*Association{},
		callbacks:    map[metadata.EventKind][]Callback{},
		scopes:       make(map[string]Query, len(m.Scopes)),
		timestamps:   m.Options.Timestamps,
		customFields: m.Options.CustomFields,
		labelField:   m.Options.LabelMethod,
	}

	for _, f := range m.Fields {
		t.fields[f.Name] = &field{spec: FieldSpec{
			Name:     f.Name,
			Label:    f.Label,
			Type:     f.Type,
			Values:   slices.Clone(f.Values),
			Virtual:  f.Virtual(),
			Computed: f.Computed != nil,
			Readonly: f.Readonly,
			Hidden:   f.Hidden,
		}}
		t.fieldOrder = append(t.fieldOrder, f.Name)
		t.attributes[f.Name] = struct{}{}
		if t.labelField == "" && (f.Type == metadata.TypeString || f.Type == metadata.TypeText) && !f.Virtual() {
			t.labelField = f.Name
		}
		if f.Virtual() {
			continue
		}
		t.columns = append(t.columns, f.Name)
		if f.Type == metadata.TypeJSON || f.Type == metadata.TypeAttachment {
			t.jsonCols[f.Name] = struct{}{}
		}
	}
	for _, c := range m.ImplicitColumns() {
		t.columns = append(t.columns, c)
		t.attributes[c] = struct{}{}
	}
	if m.Options.CustomFields {
		t.columns = append(t.columns, "custom_fields")
		t.jsonCols["custom_fields"] = struct{}{}
		t.attributes["custom_fields"] = struct{}{}
	}
	if m.Options.Timestamps {
		t.columns = append(t.columns, "created_at", "updated_at")
		t.attributes["created_at"] = struct{}{}
		t.attributes["updated_at"] = struct{}{}
	}
	for _, s := range m.Scopes {
		t.scopes[s.Name] = scopeQuery(s)
	}
	return t
}

// --- build state -----------------------------------------------------------

// State returns the current build state.
func (t *Type) State() State { return t.state }

// Advance moves the type one step along Unbuilt → SchemaSynced →
// PipelineApplied → Usable. Skipping or repeating a step is an error.
func (t *Type) Advance(next State) error {
	if next != t.state+1 {
		return fmt.Errorf("type %q: cannot move from %s to %s", t.name, t.state, next)
	}
	t.state = next
	return nil
}

func (t *Type) bindable() error {
	if t.state != StateSchemaSynced {
		if t.state > StateSchemaSynced {
			return ErrSealed
		}
		return fmt.Errorf("type %q: bind before schema sync", t.name)
	}
	return nil
}

func (t *Type) fieldFor(name string) (*field, error) {
	f, ok := t.fields[name]
	if !ok {
		return nil, fmt.Errorf("type %q has no field %q", t.name, name)
	}
	return f, nil
}

// --- binders ----------------------------------------------------------------

// BindTransform appends a transform to a field.
func (t *Type) BindTransform(name string, fn Transform) error {
	if err := t.bindable(); err != nil {
		return err
	}
	f, err := t.fieldFor(name)
	if err != nil {
		return err
	}
	f.transforms = append(f.transforms, fn)
	return nil
}

// BindDefault registers the default of a field.
func (t *Type) BindDefault(name string, fn DefaultFunc) error {
	if err := t.bindable(); err != nil {
		return err
	}
	if _, err := t.fieldFor(name); err != nil {
		return err
	}
	t.defaults = append(t.defaults, namedDefault{field: name, fn: fn})
	return nil
}

// BindComputed registers a derivation run before every save.
func (t *Type) BindComputed(name string, fn ComputeFunc) error {
	if err := t.bindable(); err != nil {
		return err
	}
	if _, err := t.fieldFor(name); err != nil {
		return err
	}
	t.computed = append(t.computed, namedCompute{field: name, fn: fn})
	return nil
}

// BindSource registers an on-demand fetch for a virtual field.
func (t *Type) BindSource(name string, fn SourceFunc) error {
	if err := t.bindable(); err != nil {
		return err
	}
	f, err := t.fieldFor(name)
	if err != nil {
		return err
	}
	f.source = fn
	return nil
}

// BindValidator appends a validator.
func (t *Type) BindValidator(name string, fn ValidateFunc) error {
	if err := t.bindable(); err != nil {
		return err
	}
	t.validators = append(t.validators, namedValidator{name: name, fn: fn})
	return nil
}

// BindAssociation registers a relation.
func (t *Type) BindAssociation(a *Association) error {
	if err := t.bindable(); err != nil {
		return err
	}
	if _, dup := t.associations[a.Name]; dup {
		return fmt.Errorf("type %q: association %q bound twice", t.name, a.Name)
	}
	t.associations[a.Name] = a
	t.assocOrder = append(t.assocOrder, a.Name)
	return nil
}

// BindPositioning enables dense ordering.
func (t *Type) BindPositioning(p *Positioning) error {
	if err := t.bindable(); err != nil {
		return err
	}
	t.positioning = p
	return nil
}

// BindAttachment records attachment constraints for a field.
func (t *Type) BindAttachment(name string, opts metadata.AttachmentOptions) error {
	if err := t.bindable(); err != nil {
		return err
	}
	f, err := t.fieldFor(name)
	if err != nil {
		return err
	}
	f.attachment = &opts
	return nil
}

// BindCallback registers a lifecycle hook or, for field_change, a watcher.
func (t *Type) BindCallback(cb Callback) error {
	if err := t.bindable(); err != nil {
		return err
	}
	if cb.Kind == metadata.FieldChange {
		t.watchers = append(t.watchers, cb)
		return nil
	}
	t.callbacks[cb.Kind] = append(t.callbacks[cb.Kind], cb)
	return nil
}

// --- introspection -----------------------------------------------------------

func (t *Type) Name() string  { return t.name }
func (t *Type) Table() string { return t.table }

// Fields lists field specs in declaration order.
func (t *Type) Fields() []FieldSpec {
	out := make([]FieldSpec, 0, len(t.fieldOrder))
	for _, n := range t.fieldOrder {
		out = append(out, t.fields[n].spec)
	}
	return out
}

// Field looks up one field spec.
func (t *Type) Field(name string) (FieldSpec, bool) {
	f, ok := t.fields[name]
	if !ok {
		return FieldSpec{}, false
	}
	return f.spec, true
}

// Attribute reports whether name is readable on records of this type.
func (t *Type) Attribute(name string) bool {
	_, ok := t.attributes[name]
	return ok
}

// Columns lists the writable physical columns, excluding id.
func (t *Type) Columns() []string {
	return slices.Clone(t.columns)
}

// JSONColumn reports columns holding json documents.
func (t *Type) JSONColumn(name string) bool {
	_, ok := t.jsonCols[name]
	return ok
}

// Timestamps reports whether created_at/updated_at are maintained.
func (t *Type) Timestamps() bool { return t.timestamps }

// PermittedAttributes is the write whitelist. Virtual, computed and system
// attributes are never permitted; readonly fields only before the first save.
func (t *Type) PermittedAttributes(persisted bool) []string {
	var out []string
	for _, n := range t.fieldOrder {
		spec := t.fields[n].spec
		if spec.Virtual || spec.Computed {
			continue
		}
		if spec.Readonly && persisted {
			continue
		}
		out = append(out, n)
	}
	for _, c := range t.columns {
		if _, isField := t.fields[c]; isField {
			continue
		}
		switch c {
		case "created_at", "updated_at":
			continue
		}
		out = append(out, c)
	}
	for _, n := range t.assocOrder {
		if t.associations[n].Nested != nil {
			out = append(out, n+"_attributes")
		}
	}
	return out
}

// Scope returns a named scope.
func (t *Type) Scope(name string) (Query, bool) {
	q, ok := t.scopes[name]
	return q, ok
}

// Scopes lists scope names.
func (t *Type) Scopes() []string {
	out := make([]string, 0, len(t.scopes))
	for n := range t.scopes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Association looks up a relation.
func (t *Type) Association(name string) (*Association, bool) {
	a, ok := t.associations[name]
	return a, ok
}

// Associations lists relations in declaration order.
func (t *Type) Associations() []*Association {
	out := make([]*Association, 0, len(t.assocOrder))
	for _, n := range t.assocOrder {
		out = append(out, t.associations[n])
	}
	return out
}

// Positioning returns the ordering configuration, nil when disabled.
func (t *Type) Positioning() *Positioning { return t.positioning }

// AttachmentOptions returns the constraints of an attachment field.
func (t *Type) AttachmentOptions(name string) (metadata.AttachmentOptions, bool) {
	f, ok := t.fields[name]
	if !ok || f.attachment == nil {
		return metadata.AttachmentOptions{}, false
	}
	return *f.attachment, true
}

// --- instances ---------------------------------------------------------------

func (t *Type) usable() error {
	if t.state != StateUsable {
		return fmt.Errorf("type %q is %s, not usable", t.name, t.state)
	}
	return nil
}

// New builds an unsaved record from trusted attributes and applies defaults
// to every field that was not supplied.
func (t *Type) New(ctx context.Context, attrs map[string]any) (*Record, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	rec := newRecord(t)
	for _, k := range sortedKeys(attrs) {
		rec.Set(k, attrs[k])
	}
	if err := t.ApplyDefaults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Build is New for untrusted input: params go through Assign first.
func (t *Type) Build(ctx context.Context, params map[string]any) (*Record, []string, error) {
	if err := t.usable(); err != nil {
		return nil, nil, err
	}
	rec := newRecord(t)
	rejected := t.Assign(rec, params)
	if err := t.ApplyDefaults(ctx, rec); err != nil {
		return nil, nil, err
	}
	return rec, rejected, nil
}

// Assign writes whitelisted params and returns the rejected keys, sorted.
// "<association>_attributes" entries are held on the record for the
// record service to write after the parent.
func (t *Type) Assign(rec *Record, params map[string]any) []string {
	permitted := map[string]struct{}{}
	for _, p := range t.PermittedAttributes(!rec.IsNew()) {
		permitted[p] = struct{}{}
	}

	var rejected []string
	for _, k := range sortedKeys(params) {
		if _, ok := permitted[k]; !ok {
			rejected = append(rejected, k)
			continue
		}
		if assoc, ok := strings.CutSuffix(k, "_attributes"); ok {
			if a, isAssoc := t.associations[assoc]; isAssoc && a.Nested != nil {
				if rec.nested == nil {
					rec.nested = map[string][]map[string]any{}
				}
				rec.nested[assoc] = append(rec.nested[assoc], nestedEntries(params[k])...)
				continue
			}
		}
		if k == "custom_fields" {
			if bag, ok := params[k].(map[string]any); ok {
				for _, ck := range sortedKeys(bag) {
					rec.SetCustom(ck, bag[ck])
				}
			}
			continue
		}
		rec.Set(k, params[k])
	}
	return rejected
}

// ApplyDefaults fills unset fields of a new record. Running it again never
// overwrites a value that is already present.
func (t *Type) ApplyDefaults(ctx context.Context, rec *Record) error {
	if !rec.IsNew() {
		return nil
	}
	for _, d := range t.defaults {
		if rec.Supplied(d.field) || rec.values[d.field] != nil {
			continue
		}
		v, apply, err := d.fn(ctx, rec)
		if err != nil {
			return fmt.Errorf("default for %s.%s: %w", t.name, d.field, err)
		}
		if apply {
			rec.setRaw(d.field, v)
		}
	}
	return nil
}

// Validate runs every bound validator and reports whether rec is valid.
// All validators run; errors are collected, never returned.
func (t *Type) Validate(ctx context.Context, rec *Record) bool {
	rec.errors = nil
	for _, v := range t.validators {
		v.fn(ctx, rec)
	}
	return rec.Valid()
}

// PrepareSave recomputes every computed field.
func (t *Type) PrepareSave(ctx context.Context, rec *Record) error {
	for _, c := range t.computed {
		v, err := c.fn(ctx, rec)
		if err != nil {
			return fmt.Errorf("compute %s.%s: %w", t.name, c.field, err)
		}
		rec.setRaw(c.field, v)
	}
	return nil
}

// Fetch resolves an externally sourced field and caches it on rec.
func (t *Type) Fetch(ctx context.Context, rec *Record, name string) (any, error) {
	f, err := t.fieldFor(name)
	if err != nil {
		return nil, err
	}
	if f.source == nil {
		return rec.Get(name), nil
	}
	v, err := f.source(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("fetch %s.%s: %w", t.name, name, err)
	}
	rec.setRaw(name, v)
	return v, nil
}

// ColumnValues returns the values to write for rec, keyed by column.
func (t *Type) ColumnValues(rec *Record) map[string]any {
	out := make(map[string]any, len(t.columns))
	for _, c := range t.columns {
		v := rec.values[c]
		if f, ok := t.fields[c]; ok && f.spec.Type == metadata.TypeAttachment {
			if atts := attachmentsOf(v); len(atts) > 0 {
				v = atts
			} else {
				v = nil
			}
		}
		out[c] = v
	}
	return out
}

// Load rebuilds a persisted record from a storage row.
func (t *Type) Load(row map[string]any) (*Record, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	rec := newRecord(t)
	for k, v := range row {
		if k == "id" {
			id, ok := toID(v)
			if !ok {
				return nil, fmt.Errorf("load %s: invalid id %v", t.name, v)
			}
			rec.id = id
			continue
		}
		if !t.Attribute(k) {
			continue
		}
		rec.values[k] = t.decodeColumn(k, v)
	}
	rec.MarkPersisted(rec.id)
	return rec, nil
}

func (t *Type) decodeColumn(name string, v any) any {
	if _, isJSON := t.jsonCols[name]; !isJSON {
		return v
	}
	if f, ok := t.fields[name]; ok && f.spec.Type == metadata.TypeAttachment {
		return attachmentsOf(v)
	}
	switch x := v.(type) {
	case string:
		var out any
		if err := json.Unmarshal([]byte(x), &out); err == nil {
			return out
		}
	case []byte:
		var out any
		if err := json.Unmarshal(x, &out); err == nil {
			return out
		}
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

func nestedEntries(v any) []map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func toID(v any) (int64, bool) {
	n, ok := value.ToInt64(v)
	return n, ok && n > 0
}
