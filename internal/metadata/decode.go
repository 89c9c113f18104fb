package metadata

import (
	"fmt"
	"sort"
	"strings"

	"metaforge/internal/condition"
	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
)

// Parse decodes a nested key/value description and validates it.
func Parse(raw map[string]any, types *TypeCatalog) (*Model, error) {
	m, err := Decode(raw, types)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode converts the loose map form into a Model without running
// consistency checks. Structural problems (wrong shapes, unknown types)
// are reported together as one DEFINITION_ERROR.
func Decode(raw map[string]any, types *TypeCatalog) (*Model, error) {
	d := &decoder{types: types}
	m := d.model(raw)
	if len(d.issues) > 0 {
		return nil, apperror.NewDefinition(m.Name, d.issues...)
	}
	return m, nil
}

type decoder struct {
	types  *TypeCatalog
	issues []apperror.Issue
}

func (d *decoder) fail(field, code, format string, args ...any) {
	d.issues = append(d.issues, apperror.Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (d *decoder) model(raw map[string]any) *Model {
	m := &Model{
		Name:    str(raw["name"]),
		Table:   str(raw["table"]),
		Options: Options{Timestamps: true},
	}
	if m.Table == "" && m.Name != "" {
		m.Table = TableName(m.Name)
	}

	if opts, ok := raw["options"].(map[string]any); ok {
		if v, ok := opts["timestamps"].(bool); ok {
			m.Options.Timestamps = v
		}
		m.Options.LabelMethod = str(opts["label_method"])
		m.Options.CustomFields, _ = opts["custom_fields"].(bool)
	}

	for i, item := range list(raw["fields"]) {
		fm, ok := item.(map[string]any)
		if !ok {
			d.fail(fmt.Sprintf("fields[%d]", i), "shape", "field must be a map")
			continue
		}
		m.Fields = append(m.Fields, d.field(fm))
	}
	for i, item := range list(raw["associations"]) {
		am, ok := item.(map[string]any)
		if !ok {
			d.fail(fmt.Sprintf("associations[%d]", i), "shape", "association must be a map")
			continue
		}
		m.Associations = append(m.Associations, d.association(am))
	}
	for i, item := range list(raw["scopes"]) {
		sm, ok := item.(map[string]any)
		if !ok {
			d.fail(fmt.Sprintf("scopes[%d]", i), "shape", "scope must be a map")
			continue
		}
		m.Scopes = append(m.Scopes, d.scope(sm))
	}
	for i, item := range list(raw["events"]) {
		em, ok := item.(map[string]any)
		if !ok {
			d.fail(fmt.Sprintf("events[%d]", i), "shape", "event must be a map")
			continue
		}
		m.Events = append(m.Events, d.event(m.Name, em))
	}
	m.Validations = d.rules("", raw["validations"])
	m.Positioning = d.positioning(raw["positioning"])

	if p := m.Positioning; p != nil {
		if _, declared := m.Field(p.Field); !declared {
			m.Fields = append(m.Fields, Field{Name: p.Field, Type: TypeInteger})
		}
	}
	return m
}

func (d *decoder) field(raw map[string]any) Field {
	f := Field{
		Name:       str(raw["name"]),
		Label:      str(raw["label"]),
		Transforms: strs(raw["transforms"]),
		Values:     strs(raw["values"]),
		Readonly:   boolean(raw["readonly"]),
		Hidden:     boolean(raw["hidden"]),
		Unique:     boolean(raw["unique"]),
	}
	declared := str(raw["type"])
	switch {
	case declared == "":
		f.Type = TypeString
	case FieldType(declared).Valid():
		f.Type = FieldType(declared)
	default:
		def, ok := d.types.Lookup(declared)
		if !ok {
			d.fail(f.Name, "type", "field %q has unknown type %q", f.Name, declared)
			break
		}
		f.Type = def.Base
		f.CustomType = def.Name
		f.Column = def.Column
		f.TypeTransforms = append([]string(nil), def.Transforms...)
		for _, r := range def.Validations {
			r.Field = f.Name
			f.TypeValidations = append(f.TypeValidations, r)
		}
	}

	if co, ok := raw["column_options"].(map[string]any); ok {
		if v, ok := integer(co["precision"]); ok {
			f.Column.Precision = v
		}
		if v, ok := integer(co["scale"]); ok {
			f.Column.Scale = v
		}
		if v, ok := integer(co["limit"]); ok {
			f.Column.Limit = v
		}
		if v, ok := co["null"].(bool); ok {
			f.Column.Null = &v
		}
	}

	if dv, ok := raw["default"]; ok && dv != nil {
		f.Default = d.defaultValue(f.Name, dv)
	}
	f.Validations = d.rules(f.Name, raw["validations"])

	if cv, ok := raw["computed"]; ok && cv != nil {
		switch c := cv.(type) {
		case string:
			f.Computed = &Computed{Template: c}
		case map[string]any:
			f.Computed = &Computed{Service: str(c["service"])}
			if f.Computed.Service == "" {
				d.fail(f.Name, "computed", "computed map requires a service")
			}
		default:
			d.fail(f.Name, "computed", "computed must be a template string or {service: name}")
		}
	}
	if sv, ok := raw["source"]; ok && sv != nil {
		switch s := sv.(type) {
		case string:
			if s != "external" {
				d.fail(f.Name, "source", "source string must be \"external\"")
			}
			f.Source = &Source{External: true}
		case map[string]any:
			opts, _ := s["options"].(map[string]any)
			f.Source = &Source{Service: str(s["service"]), Options: opts}
			if f.Source.Service == "" {
				d.fail(f.Name, "source", "source map requires a service")
			}
		default:
			d.fail(f.Name, "source", "source must be \"external\" or {service: name}")
		}
	}

	if f.Type == TypeAttachment {
		f.Attachment = &AttachmentOptions{}
		if am, ok := raw["attachment"].(map[string]any); ok {
			f.Attachment.Multiple = boolean(am["multiple"])
			if v, ok := integer(am["max_size"]); ok {
				f.Attachment.MaxSize = int64(v)
			}
			if v, ok := integer(am["max_count"]); ok {
				f.Attachment.MaxCount = v
			}
			f.Attachment.ContentTypes = strs(am["content_types"])
		}
	}
	return f
}

func (d *decoder) defaultValue(field string, raw any) *Default {
	switch v := raw.(type) {
	case string:
		if name, ok := strings.CutPrefix(v, ":"); ok && name != "" {
			return &Default{Kind: DefaultDynamic, Name: name}
		}
		return &Default{Kind: DefaultLiteral, Value: v}
	case map[string]any:
		var def *Default
		switch {
		case v["dynamic"] != nil:
			def = &Default{Kind: DefaultDynamic, Name: str(v["dynamic"])}
		case v["service"] != nil:
			def = &Default{Kind: DefaultService, Name: str(v["service"])}
		default:
			if _, hasValue := v["value"]; !hasValue {
				// a bare map is a json literal
				return &Default{Kind: DefaultLiteral, Value: v}
			}
			def = &Default{Kind: DefaultLiteral, Value: v["value"]}
		}
		if w, ok := v["when"]; ok {
			c, err := condition.Decode(w)
			if err != nil {
				d.fail(field, "default", "default when: %v", err)
			}
			def.When = c
		}
		return def
	}
	return &Default{Kind: DefaultLiteral, Value: raw}
}

// rules accepts either a list of {type: ...} maps or the shorthand
// {presence: true, length: {max: 10}} map.
func (d *decoder) rules(field string, raw any) []Rule {
	var out []Rule
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range v {
			rm, ok := item.(map[string]any)
			if !ok {
				d.fail(field, "validation", "validation must be a map")
				continue
			}
			out = append(out, d.rule(field, str(rm["type"]), rm))
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch opts := v[k].(type) {
			case bool:
				if opts {
					out = append(out, d.rule(field, k, map[string]any{}))
				}
			case map[string]any:
				out = append(out, d.rule(field, k, opts))
			default:
				d.fail(field, "validation", "validation %q must be true or an options map", k)
			}
		}
	default:
		d.fail(field, "validation", "validations must be a list or a map")
	}
	return out
}

func (d *decoder) rule(field, typ string, raw map[string]any) Rule {
	r := Rule{Type: RuleType(typ), Field: field, Options: map[string]any{}}
	if field == "" {
		r.Field = str(raw["field"])
	}
	for k, v := range raw {
		switch k {
		case "type", "when", "operator", "compare", "service":
		case "field":
			if field != "" {
				r.Options[k] = v
			}
		default:
			r.Options[k] = v
		}
	}
	r.Operator = condition.Operator(str(raw["operator"]))
	r.Compare = str(raw["compare"])
	r.Service = str(raw["service"])
	if w, ok := raw["when"]; ok {
		c, err := condition.Decode(w)
		if err != nil {
			d.fail(field, "validation", "%s when: %v", typ, err)
		}
		r.When = c
	}
	return r
}

func (d *decoder) association(raw map[string]any) Association {
	a := Association{
		Type:         AssociationType(str(raw["type"])),
		Name:         str(raw["name"]),
		Target:       str(raw["target"]),
		ClassName:    str(raw["class_name"]),
		Polymorphic:  boolean(raw["polymorphic"]),
		ForeignKey:   str(raw["foreign_key"]),
		Order:        d.order(a0(raw["order"])),
		Dependent:    str(raw["dependent"]),
		InverseOf:    str(raw["inverse_of"]),
		Through:      str(raw["through"]),
		Source:       str(raw["source"]),
		CounterCache: boolean(raw["counter_cache"]),
		Touch:        boolean(raw["touch"]),
	}
	if a.Target == "" && a.ClassName == "" && !a.Polymorphic && a.Through == "" {
		if a.Type == HasMany {
			a.Target = Singularize(a.Name)
		} else {
			a.Target = a.Name
		}
	}
	if a.ForeignKey == "" && a.Type == BelongsTo {
		a.ForeignKey = a.Name + "_id"
	}
	a.Required = a.Type == BelongsTo
	if v, ok := raw["required"].(bool); ok {
		a.Required = v
	}
	if nm, ok := raw["nested"].(map[string]any); ok {
		n := &NestedAttributes{
			AllowDestroy: boolean(nm["allow_destroy"]),
			UpdateOnly:   boolean(nm["update_only"]),
		}
		if v, ok := integer(nm["limit"]); ok {
			n.Limit = v
		}
		if rj, ok := nm["reject_if"]; ok {
			c, err := condition.Decode(rj)
			if err != nil {
				d.fail(a.Name, "association", "nested reject_if: %v", err)
			}
			n.RejectIf = c
		}
		a.Nested = n
	}
	return a
}

func (d *decoder) scope(raw map[string]any) Scope {
	s := Scope{Name: str(raw["name"]), Order: d.order(a0(raw["order"]))}
	s.Where, _ = raw["where"].(map[string]any)
	s.WhereNot, _ = raw["where_not"].(map[string]any)
	if v, ok := integer(raw["limit"]); ok {
		s.Limit = v
	}
	return s
}

func (d *decoder) event(model string, raw map[string]any) Event {
	e := Event{
		Name:  str(raw["name"]),
		On:    EventKind(str(raw["on"])),
		Field: str(raw["field"]),
	}
	if e.Name == "" {
		e.Name = model + "." + string(e.On)
		if e.Field != "" {
			e.Name += "." + e.Field
		}
	}
	if c, ok := raw["condition"]; ok {
		cond, err := condition.Decode(c)
		if err != nil {
			d.fail(e.Field, "event", "event %q condition: %v", e.Name, err)
		}
		e.Condition = cond
	}
	return e
}

func (d *decoder) positioning(raw any) *Positioning {
	switch v := raw.(type) {
	case nil:
		return nil
	case bool:
		if !v {
			return nil
		}
		return &Positioning{Field: "position"}
	case map[string]any:
		p := &Positioning{Field: str(v["field"]), Scope: str(v["scope"])}
		if p.Field == "" {
			p.Field = "position"
		}
		return p
	}
	d.fail("positioning", "positioning", "positioning must be true or {field, scope}")
	return nil
}

// order parses "field", "field asc", "field desc" and {field: dir} forms.
func (d *decoder) order(items []any) []OrderTerm {
	var out []OrderTerm
	for _, item := range items {
		switch v := item.(type) {
		case string:
			parts := strings.Fields(v)
			if len(parts) == 0 {
				continue
			}
			term := OrderTerm{Field: parts[0]}
			if len(parts) > 1 {
				switch strings.ToLower(parts[1]) {
				case "desc":
					term.Desc = true
				case "asc":
				default:
					d.fail(parts[0], "order", "unknown direction %q", parts[1])
				}
			}
			out = append(out, term)
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, OrderTerm{Field: k, Desc: strings.EqualFold(str(v[k]), "desc")})
			}
		default:
			d.fail("", "order", "order term must be a string or map")
		}
	}
	return out
}

// a0 normalizes a scalar-or-list into a list.
func a0(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case string, map[string]any:
		return []any{x}
	}
	return nil
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return value.ToString(v)
}

func strs(v any) []string {
	l, ok := value.List(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		out = append(out, str(item))
	}
	return out
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func integer(v any) (int, bool) {
	n, ok := value.ToInt64(v)
	return int(n), ok
}
