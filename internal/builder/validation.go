package builder

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"metaforge/internal/condition"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

type validationApplicator struct{}

func (validationApplicator) name() string { return "VALIDATION" }

func (validationApplicator) apply(_ context.Context, b *build) error {
	for _, f := range b.model.Fields {
		if f.Type == metadata.TypeEnum && len(f.Values) > 0 {
			if err := b.typ.BindValidator(f.Name+".enum", enumRule(f.Name, f.Values)); err != nil {
				return err
			}
		}
		rules := append(append([]metadata.Rule(nil), f.TypeValidations...), f.Validations...)
		for i, r := range rules {
			if r.Field == "" {
				r.Field = f.Name
			}
			if err := bindRule(b, fmt.Sprintf("%s.%s.%d", f.Name, r.Type, i), r); err != nil {
				return err
			}
		}
	}
	for i, r := range b.model.Validations {
		if err := bindRule(b, fmt.Sprintf("model.%s.%d", r.Type, i), r); err != nil {
			return err
		}
	}
	return nil
}

func bindRule(b *build, name string, r metadata.Rule) error {
	check, err := ruleCheck(b, r)
	if err != nil {
		return err
	}
	when, err := b.compile(r.When)
	if err != nil {
		return err
	}
	guard := b.guard(when)
	return b.typ.BindValidator(name, func(ctx context.Context, rec *runtime.Record) {
		if !guard(ctx, rec) {
			return
		}
		check(ctx, rec)
	})
}

func ruleCheck(b *build, r metadata.Rule) (runtime.ValidateFunc, error) {
	field := r.Field
	msg := r.Message()
	say := func(def string) string {
		if msg != "" {
			return msg
		}
		return def
	}

	switch r.Type {
	case metadata.RulePresence:
		return func(_ context.Context, rec *runtime.Record) {
			if value.IsBlank(rec.Get(field)) {
				rec.AddError(field, "blank", say("can't be blank"))
			}
		}, nil

	case metadata.RuleLength:
		bounds := numericOptions(r.Options)
		return func(_ context.Context, rec *runtime.Record) {
			v := rec.Get(field)
			if v == nil {
				return
			}
			n := lengthOf(v)
			if d, ok := bounds["is"]; ok && !d.Equal(decimal.NewFromInt(int64(n))) {
				rec.AddError(field, "wrong_length", say(fmt.Sprintf("is the wrong length (should be %s characters)", d)))
			}
			if d, ok := bounds["min"]; ok && d.GreaterThan(decimal.NewFromInt(int64(n))) {
				rec.AddError(field, "too_short", say(fmt.Sprintf("is too short (minimum is %s characters)", d)))
			}
			if d, ok := bounds["max"]; ok && d.LessThan(decimal.NewFromInt(int64(n))) {
				rec.AddError(field, "too_long", say(fmt.Sprintf("is too long (maximum is %s characters)", d)))
			}
		}, nil

	case metadata.RuleNumericality:
		bounds := numericOptions(r.Options)
		onlyInteger, _ := value.ToBool(r.Options["only_integer"])
		return func(_ context.Context, rec *runtime.Record) {
			v := rec.Get(field)
			if v == nil {
				return
			}
			d, ok := value.ToDecimal(v)
			if !ok {
				rec.AddError(field, "not_a_number", say("is not a number"))
				return
			}
			if onlyInteger && !d.IsInteger() {
				rec.AddError(field, "not_an_integer", say("must be an integer"))
				return
			}
			for _, c := range numericChecks {
				bound, ok := bounds[c.option]
				if ok && !c.holds(d, bound) {
					rec.AddError(field, c.code, say(fmt.Sprintf("must be %s %s", c.phrase, bound)))
				}
			}
		}, nil

	case metadata.RuleFormat:
		var with, without *regexp.Regexp
		if s, ok := r.Options["with"].(string); ok {
			with = regexp.MustCompile(s)
		}
		if s, ok := r.Options["without"].(string); ok {
			without = regexp.MustCompile(s)
		}
		return func(_ context.Context, rec *runtime.Record) {
			v := rec.Get(field)
			if v == nil {
				return
			}
			s := value.ToString(v)
			if (with != nil && !with.MatchString(s)) || (without != nil && without.MatchString(s)) {
				rec.AddError(field, "invalid", say("is invalid"))
			}
		}, nil

	case metadata.RuleInclusion:
		allowed, _ := value.List(r.Options["in"])
		return func(_ context.Context, rec *runtime.Record) {
			v := rec.Get(field)
			if v == nil {
				return
			}
			if !value.Contains(allowed, v) {
				rec.AddError(field, "inclusion", say("is not included in the list"))
			}
		}, nil

	case metadata.RuleComparison:
		return comparisonRule(field, r.Operator, r.Compare, say), nil

	case metadata.RuleCustom:
		fn, err := b.services.Validator(r.Service)
		if err != nil {
			return nil, b.resolveErr(err)
		}
		opts := r.Options
		return func(ctx context.Context, rec *runtime.Record) {
			fn(ctx, rec, field, opts)
		}, nil
	}
	return nil, b.fail("VALIDATION", "unknown validation type %q", r.Type)
}

// comparisonRule resolves the sibling field when it runs. It is skipped
// when either side is absent or the two are not comparable.
func comparisonRule(field string, op condition.Operator, other string, say func(string) string) runtime.ValidateFunc {
	return func(_ context.Context, rec *runtime.Record) {
		a, bv := rec.Get(field), rec.Get(other)
		if a == nil || bv == nil {
			return
		}
		cmp, ok := value.Compare(a, bv)
		if !ok {
			return
		}
		var holds bool
		switch op {
		case condition.Gt:
			holds = cmp > 0
		case condition.Gte:
			holds = cmp >= 0
		case condition.Lt:
			holds = cmp < 0
		case condition.Lte:
			holds = cmp <= 0
		case condition.Eq:
			holds = cmp == 0
		case condition.NotEq:
			holds = cmp != 0
		}
		if !holds {
			rec.AddError(field, "comparison", say(fmt.Sprintf("must be %s %s", comparisonPhrase[op], other)))
		}
	}
}

var comparisonPhrase = map[condition.Operator]string{
	condition.Gt:    "greater than",
	condition.Gte:   "greater than or equal to",
	condition.Lt:    "less than",
	condition.Lte:   "less than or equal to",
	condition.Eq:    "equal to",
	condition.NotEq: "other than",
}

type numericCheck struct {
	option string
	code   string
	phrase string
	holds  func(v, bound decimal.Decimal) bool
}

var numericChecks = []numericCheck{
	{"gt", "greater_than", "greater than", func(v, b decimal.Decimal) bool { return v.GreaterThan(b) }},
	{"gte", "greater_than_or_equal_to", "greater than or equal to", func(v, b decimal.Decimal) bool { return v.GreaterThanOrEqual(b) }},
	{"lt", "less_than", "less than", func(v, b decimal.Decimal) bool { return v.LessThan(b) }},
	{"lte", "less_than_or_equal_to", "less than or equal to", func(v, b decimal.Decimal) bool { return v.LessThanOrEqual(b) }},
	{"eq", "equal_to", "equal to", func(v, b decimal.Decimal) bool { return v.Equal(b) }},
	{"min", "greater_than_or_equal_to", "greater than or equal to", func(v, b decimal.Decimal) bool { return v.GreaterThanOrEqual(b) }},
	{"max", "less_than_or_equal_to", "less than or equal to", func(v, b decimal.Decimal) bool { return v.LessThanOrEqual(b) }},
}

func numericOptions(opts map[string]any) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, k := range []string{"min", "max", "is", "gt", "gte", "lt", "lte", "eq"} {
		if raw, ok := opts[k]; ok {
			if d, ok := value.ToDecimal(raw); ok {
				out[k] = d
			}
		}
	}
	return out
}

func lengthOf(v any) int {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}
	if items, ok := value.List(v); ok {
		return len(items)
	}
	return utf8.RuneCountInString(value.ToString(v))
}

func enumRule(field string, values []string) runtime.ValidateFunc {
	allowed := make([]any, len(values))
	for i, v := range values {
		allowed[i] = v
	}
	return func(_ context.Context, rec *runtime.Record) {
		v := rec.Get(field)
		if v == nil || v == "" {
			return
		}
		if !value.Contains(allowed, v) {
			rec.AddError(field, "inclusion", "is not included in the list")
		}
	}
}
