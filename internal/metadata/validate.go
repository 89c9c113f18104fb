package metadata

import (
	"fmt"
	"regexp"

	"metaforge/internal/condition"
	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
)

var comparisonOperators = map[condition.Operator]struct{}{
	condition.Gt: {}, condition.Gte: {}, condition.Lt: {}, condition.Lte: {},
	condition.Eq: {}, condition.NotEq: {},
}

var dependents = map[string]struct{}{
	DependentDestroy: {}, DependentNullify: {}, DependentRestrict: {},
}

type checker struct {
	m      *Model
	issues []apperror.Issue
}

func (c *checker) fail(field, code, format string, args ...any) {
	c.issues = append(c.issues, apperror.Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the definition for internal consistency. Every problem is
// reported, not just the first.
func (m *Model) Validate() error {
	c := &checker{m: m}

	if !ValidIdentifier(m.Name) {
		c.fail("", "name", "invalid model name %q", m.Name)
	}
	if !ValidIdentifier(m.Table) {
		c.fail("", "table", "invalid table name %q", m.Table)
	}

	c.fields()
	c.associations()
	for _, r := range m.Validations {
		c.rule(r, true)
	}
	c.scopes()
	c.events()
	c.positioning()

	if lm := m.Options.LabelMethod; lm != "" && !m.Attribute(lm) {
		c.fail(lm, "label_method", "label_method references unknown field %q", lm)
	}

	if len(c.issues) > 0 {
		return apperror.NewDefinition(m.Name, c.issues...)
	}
	return nil
}

func (c *checker) fields() {
	seen := map[string]struct{}{}
	system := map[string]struct{}{}
	for _, s := range c.m.SystemColumns() {
		system[s] = struct{}{}
	}

	for _, f := range c.m.Fields {
		if !ValidIdentifier(f.Name) {
			c.fail(f.Name, "name", "invalid field name %q", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			c.fail(f.Name, "duplicate", "duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, clash := system[f.Name]; clash {
			c.fail(f.Name, "reserved", "field %q collides with a system column", f.Name)
		}
		if !f.Type.Valid() {
			c.fail(f.Name, "type", "field %q has invalid type %q", f.Name, f.Type)
		}

		if f.Computed != nil && f.Source != nil {
			c.fail(f.Name, "virtual", "field %q cannot be both computed and sourced", f.Name)
		}

		if f.Type == TypeEnum {
			if len(f.Values) == 0 {
				c.fail(f.Name, "enum", "enum field %q declares no values", f.Name)
			}
			if d := f.Default; d != nil && d.Kind == DefaultLiteral && d.Value != nil {
				if !value.Contains(toAny(f.Values), d.Value) {
					c.fail(f.Name, "enum", "default %v of %q is not among its values", d.Value, f.Name)
				}
			}
		}

		if d := f.Default; d != nil {
			if d.Kind != DefaultLiteral && d.Name == "" {
				c.fail(f.Name, "default", "%s default of %q requires a name", d.Kind, f.Name)
			}
			c.condition(f.Name, "default", d.When)
		}

		for _, r := range f.TypeValidations {
			c.rule(r, false)
		}
		for _, r := range f.Validations {
			c.rule(r, false)
		}
	}
}

func (c *checker) rule(r Rule, modelLevel bool) {
	where := r.Field
	if !r.Type.Valid() {
		c.fail(where, "validation", "unknown validation type %q", r.Type)
		return
	}
	if modelLevel && r.Type != RuleCustom && r.Field == "" {
		c.fail("", "validation", "model-level %s rule requires a field", r.Type)
	}
	if r.Field != "" && !c.m.Attribute(r.Field) {
		c.fail(where, "reference", "%s rule references unknown field %q", r.Type, r.Field)
	}

	switch r.Type {
	case RuleComparison:
		if _, ok := comparisonOperators[r.Operator]; !ok {
			c.fail(where, "comparison", "comparison on %q has invalid operator %q", r.Field, r.Operator)
		}
		if r.Compare == "" || !c.m.Attribute(r.Compare) {
			c.fail(where, "reference", "comparison on %q references unknown field %q", r.Field, r.Compare)
		}
	case RuleFormat:
		with, hasWith := r.Options["with"].(string)
		without, hasWithout := r.Options["without"].(string)
		if !hasWith && !hasWithout {
			c.fail(where, "format", "format rule on %q requires with or without", r.Field)
		}
		for _, pattern := range []string{with, without} {
			if _, err := regexp.Compile(pattern); err != nil {
				c.fail(where, "format", "format rule on %q: %v", r.Field, err)
			}
		}
	case RuleInclusion:
		if _, ok := value.List(r.Options["in"]); !ok {
			c.fail(where, "inclusion", "inclusion rule on %q requires an in list", r.Field)
		}
	case RuleLength, RuleNumericality:
		for _, k := range []string{"min", "max", "is", "gt", "gte", "lt", "lte", "eq"} {
			if v, ok := r.Options[k]; ok {
				if _, isNum := value.ToDecimal(v); !isNum {
					c.fail(where, string(r.Type), "%s option %s must be numeric", r.Type, k)
				}
			}
		}
	case RuleCustom:
		if r.Service == "" {
			c.fail(where, "custom", "custom rule requires a service")
		}
	}
	c.condition(where, "when", r.When)
}

// condition checks syntax and that every referenced field exists.
func (c *checker) condition(where, code string, cond condition.Condition) {
	if cond == nil {
		return
	}
	if err := condition.Validate(cond); err != nil {
		c.fail(where, code, "%v", err)
		return
	}
	for _, f := range condition.Fields(cond) {
		if !c.m.Attribute(f) {
			c.fail(where, "reference", "condition references unknown field %q", f)
		}
	}
}

func (c *checker) associations() {
	seen := map[string]struct{}{}
	for _, a := range c.m.Associations {
		if !ValidIdentifier(a.Name) {
			c.fail(a.Name, "name", "invalid association name %q", a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			c.fail(a.Name, "duplicate", "duplicate association %q", a.Name)
		}
		seen[a.Name] = struct{}{}

		switch a.Type {
		case BelongsTo, HasMany, HasOne:
		default:
			c.fail(a.Name, "association", "association %q has invalid type %q", a.Name, a.Type)
			continue
		}

		targets := 0
		for _, set := range []bool{a.Target != "", a.ClassName != "", a.Polymorphic} {
			if set {
				targets++
			}
		}
		if targets > 1 {
			c.fail(a.Name, "association", "association %q: target, class_name and polymorphic are mutually exclusive", a.Name)
		}
		if targets == 0 && a.Through == "" {
			c.fail(a.Name, "association", "association %q has no target", a.Name)
		}
		if a.Polymorphic && a.Type != BelongsTo {
			c.fail(a.Name, "association", "only belongs_to can be polymorphic")
		}
		if a.Through != "" {
			if _, ok := c.m.Association(a.Through); !ok {
				c.fail(a.Name, "association", "association %q goes through unknown association %q", a.Name, a.Through)
			}
		}
		if a.Dependent != "" {
			if _, ok := dependents[a.Dependent]; !ok {
				c.fail(a.Name, "association", "association %q has invalid dependent %q", a.Name, a.Dependent)
			}
			if a.Type == BelongsTo {
				c.fail(a.Name, "association", "dependent is not supported on belongs_to")
			}
		}
		if (a.CounterCache || a.Touch) && a.Type != BelongsTo {
			c.fail(a.Name, "association", "counter_cache and touch apply to belongs_to only")
		}
		if a.ForeignKey != "" && !ValidIdentifier(a.ForeignKey) {
			c.fail(a.Name, "association", "invalid foreign key %q", a.ForeignKey)
		}
		if a.Nested != nil && a.Nested.Limit < 0 {
			c.fail(a.Name, "nested", "nested limit must not be negative")
		}
		if a.Nested != nil && a.Nested.RejectIf != nil {
			if err := condition.Validate(a.Nested.RejectIf); err != nil {
				c.fail(a.Name, "nested", "%v", err)
			}
		}
	}
}

func (c *checker) scopes() {
	seen := map[string]struct{}{}
	for _, s := range c.m.Scopes {
		if !ValidIdentifier(s.Name) {
			c.fail(s.Name, "name", "invalid scope name %q", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			c.fail(s.Name, "duplicate", "duplicate scope %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		for _, m := range []map[string]any{s.Where, s.WhereNot} {
			for f := range m {
				if !c.m.Attribute(f) {
					c.fail(s.Name, "reference", "scope %q filters on unknown field %q", s.Name, f)
				}
			}
		}
		for _, o := range s.Order {
			if !c.m.Attribute(o.Field) {
				c.fail(s.Name, "reference", "scope %q orders by unknown field %q", s.Name, o.Field)
			}
		}
		if s.Limit < 0 {
			c.fail(s.Name, "scope", "scope %q has a negative limit", s.Name)
		}
	}
}

func (c *checker) events() {
	for _, e := range c.m.Events {
		if !e.On.Valid() {
			c.fail(e.Field, "event", "event %q has unknown hook %q", e.Name, e.On)
			continue
		}
		if e.On == FieldChange {
			if e.Field == "" || !c.m.Attribute(e.Field) {
				c.fail(e.Field, "event", "field_change event %q watches unknown field %q", e.Name, e.Field)
			}
		} else if e.Field != "" {
			c.fail(e.Field, "event", "%s event %q cannot watch a field", e.On, e.Name)
		}
		c.condition(e.Field, "event", e.Condition)
	}
}

func (c *checker) positioning() {
	p := c.m.Positioning
	if p == nil {
		return
	}
	if _, ok := c.m.Field(p.Field); !ok {
		c.fail(p.Field, "positioning", "positioning field %q is not declared", p.Field)
	}
	if p.Scope == "" {
		return
	}
	if c.m.Attribute(p.Scope) {
		return
	}
	if a, ok := c.m.Association(p.Scope); ok && a.Type == BelongsTo {
		return
	}
	c.fail(p.Scope, "positioning", "positioning scope %q is neither a field nor a belongs_to association", p.Scope)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
