// Package metadata holds the immutable model definitions the compiler consumes.
// Definitions are pure data: decoding and self-validation live here, every
// behavior is bound later by the builder.
package metadata

import (
	"metaforge/internal/condition"
)

// FieldType is the closed set of declared field types.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeText       FieldType = "text"
	TypeInteger    FieldType = "integer"
	TypeDecimal    FieldType = "decimal"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeDatetime   FieldType = "datetime"
	TypeEnum       FieldType = "enum"
	TypeJSON       FieldType = "json"
	TypeAttachment FieldType = "attachment"
	TypeRichText   FieldType = "rich_text"
)

var fieldTypes = map[FieldType]struct{}{
	TypeString: {}, TypeText: {}, TypeInteger: {}, TypeDecimal: {}, TypeBoolean: {},
	TypeDate: {}, TypeDatetime: {}, TypeEnum: {}, TypeJSON: {}, TypeAttachment: {}, TypeRichText: {},
}

// Valid reports whether t is a base type.
func (t FieldType) Valid() bool {
	_, ok := fieldTypes[t]
	return ok
}

// DefaultKind distinguishes literal defaults from bound ones.
type DefaultKind string

const (
	DefaultLiteral DefaultKind = "literal"
	DefaultDynamic DefaultKind = "dynamic"
	DefaultService DefaultKind = "service"
)

// Default is a field's initial value.
type Default struct {
	Kind  DefaultKind
	Value any    // literal only
	Name  string // dynamic built-in or service name
	When  condition.Condition
}

// Pushable reports whether the default can live on the physical column.
func (d *Default) Pushable() bool {
	return d != nil && d.Kind == DefaultLiteral && d.When == nil && isScalar(d.Value)
}

// ColumnOptions tune the physical column.
type ColumnOptions struct {
	Precision int
	Scale     int
	Limit     int
	Null      *bool
}

// Computed derives a field from a template or a service.
type Computed struct {
	Template string
	Service  string
}

// Source marks a field as fetched from elsewhere.
type Source struct {
	External bool
	Service  string
	Options  map[string]any
}

// AttachmentOptions constrain attachment fields.
type AttachmentOptions struct {
	Multiple     bool
	MaxSize      int64
	MaxCount     int
	ContentTypes []string
}

// Field is one declared attribute.
type Field struct {
	Name        string
	Label       string
	Type        FieldType
	CustomType  string
	Default     *Default
	Column      ColumnOptions
	Validations []Rule
	Transforms  []string
	Values      []string
	Computed    *Computed
	Source      *Source
	Readonly    bool
	Hidden      bool
	Unique      bool
	Attachment  *AttachmentOptions

	// Inherited from CustomType, applied before the field's own.
	TypeTransforms  []string
	TypeValidations []Rule
}

// Virtual fields own no physical column.
func (f Field) Virtual() bool {
	return f.Computed != nil || f.Source != nil
}

// Nullable reports whether the column accepts NULL. Columns are nullable
// unless declared otherwise.
func (f Field) Nullable() bool {
	return f.Column.Null == nil || *f.Column.Null
}

// RuleType is the closed set of validation rule types.
type RuleType string

const (
	RulePresence     RuleType = "presence"
	RuleLength       RuleType = "length"
	RuleNumericality RuleType = "numericality"
	RuleFormat       RuleType = "format"
	RuleInclusion    RuleType = "inclusion"
	RuleComparison   RuleType = "comparison"
	RuleCustom       RuleType = "custom"
)

var ruleTypes = map[RuleType]struct{}{
	RulePresence: {}, RuleLength: {}, RuleNumericality: {}, RuleFormat: {},
	RuleInclusion: {}, RuleComparison: {}, RuleCustom: {},
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	_, ok := ruleTypes[t]
	return ok
}

// Rule is one validation rule. Field is the validated attribute; it is
// empty only for model-level custom rules.
type Rule struct {
	Type    RuleType
	Field   string
	Options map[string]any
	When    condition.Condition

	// comparison
	Operator condition.Operator
	Compare  string

	// custom
	Service string
}

// Message returns the configured message override, if any.
func (r Rule) Message() string {
	m, _ := r.Options["message"].(string)
	return m
}

// AssociationType is the relation kind.
type AssociationType string

const (
	BelongsTo AssociationType = "belongs_to"
	HasMany   AssociationType = "has_many"
	HasOne    AssociationType = "has_one"
)

// Dependent policies applied on destroy.
const (
	DependentDestroy  = "destroy"
	DependentNullify  = "nullify"
	DependentRestrict = "restrict"
)

// OrderTerm is one ordering clause.
type OrderTerm struct {
	Field string
	Desc  bool
}

// NestedAttributes is the nested-write policy of a to-many/to-one association.
type NestedAttributes struct {
	AllowDestroy bool
	RejectIf     condition.Condition
	Limit        int
	UpdateOnly   bool
}

// Association relates two models.
type Association struct {
	Type         AssociationType
	Name         string
	Target       string
	ClassName    string
	Polymorphic  bool
	ForeignKey   string
	Required     bool
	Order        []OrderTerm
	Dependent    string
	InverseOf    string
	Nested       *NestedAttributes
	Through      string
	Source       string
	CounterCache bool
	Touch        bool
}

// TypeColumn is the discriminator column of a polymorphic belongs_to.
func (a Association) TypeColumn() string {
	if !a.Polymorphic {
		return ""
	}
	return a.Name + "_type"
}

// EventKind is when an event fires.
type EventKind string

const (
	AfterCreate   EventKind = "after_create"
	AfterUpdate   EventKind = "after_update"
	BeforeDestroy EventKind = "before_destroy"
	AfterDestroy  EventKind = "after_destroy"
	FieldChange   EventKind = "field_change"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case AfterCreate, AfterUpdate, BeforeDestroy, AfterDestroy, FieldChange:
		return true
	}
	return false
}

// Event is a lifecycle hook or a field watcher.
type Event struct {
	Name      string
	On        EventKind
	Field     string
	Condition condition.Condition
}

// Scope is a named declarative filter.
type Scope struct {
	Name     string
	Where    map[string]any
	WhereNot map[string]any
	Order    []OrderTerm
	Limit    int
}

// Positioning enables dense ordering. Scope names a field or a belongs_to
// association whose foreign key partitions the order.
type Positioning struct {
	Field string
	Scope string
}

// Options is the model-wide options bag.
type Options struct {
	Timestamps   bool
	LabelMethod  string
	CustomFields bool
}

// Model is an immutable model definition.
type Model struct {
	Name         string
	Table        string
	Fields       []Field
	Associations []Association
	Scopes       []Scope
	Events       []Event
	Validations  []Rule
	Positioning  *Positioning
	Options      Options
}

// Field looks up a field by name.
func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Association looks up an association by name.
func (m *Model) Association(name string) (Association, bool) {
	for _, a := range m.Associations {
		if a.Name == name {
			return a, true
		}
	}
	return Association{}, false
}

// StoredFields returns fields that own a physical column, in declaration order.
func (m *Model) StoredFields() []Field {
	out := make([]Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !f.Virtual() {
			out = append(out, f)
		}
	}
	return out
}

// ImplicitColumns returns the association columns not declared as fields:
// belongs_to foreign keys and polymorphic type discriminators.
func (m *Model) ImplicitColumns() []string {
	var out []string
	for _, a := range m.Associations {
		if a.Type != BelongsTo {
			continue
		}
		if _, declared := m.Field(a.ForeignKey); !declared {
			out = append(out, a.ForeignKey)
		}
		if tc := a.TypeColumn(); tc != "" {
			if _, declared := m.Field(tc); !declared {
				out = append(out, tc)
			}
		}
	}
	return out
}

// SystemColumns are maintained by the runtime, never by callers.
func (m *Model) SystemColumns() []string {
	cols := []string{"id"}
	if m.Options.Timestamps {
		cols = append(cols, "created_at", "updated_at")
	}
	if m.Options.CustomFields {
		cols = append(cols, "custom_fields")
	}
	return cols
}

// Attribute reports whether name can be referenced by conditions, scopes
// and comparison rules: any declared field, implicit association column or
// system column.
func (m *Model) Attribute(name string) bool {
	if _, ok := m.Field(name); ok {
		return true
	}
	for _, c := range m.ImplicitColumns() {
		if c == name {
			return true
		}
	}
	for _, c := range m.SystemColumns() {
		if c == name {
			return true
		}
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
