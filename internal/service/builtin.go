package service

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"metaforge/internal/core/id"
	"metaforge/internal/core/value"
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	nonSlugRune = regexp.MustCompile(`[^a-z0-9]+`)
)

func registerBuiltins(r *Registry) {
	onString := func(fn func(string) string) TransformFunc {
		return func(v any) any {
			s, ok := v.(string)
			if !ok {
				return v
			}
			return fn(s)
		}
	}

	r.RegisterTransform("strip", onString(strings.TrimSpace))
	r.RegisterTransform("downcase", onString(strings.ToLower))
	r.RegisterTransform("upcase", onString(strings.ToUpper))
	r.RegisterTransform("squish", onString(func(s string) string {
		return spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	}))
	r.RegisterTransform("capitalize", onString(func(s string) string {
		if s == "" {
			return s
		}
		runes := []rune(strings.ToLower(s))
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes)
	}))
	r.RegisterTransform("titleize", onString(titleize))
	r.RegisterTransform("parameterize", onString(func(s string) string {
		return strings.Trim(nonSlugRune.ReplaceAllString(strings.ToLower(s), "-"), "-")
	}))
	r.RegisterTransform("nullify_blank", func(v any) any {
		if value.IsBlank(v) {
			return nil
		}
		return v
	})

	r.RegisterDefault("current_date", func(context.Context, Record) (any, error) {
		return r.clock().Truncate(24 * time.Hour), nil
	})
	r.RegisterDefault("current_datetime", func(context.Context, Record) (any, error) {
		return r.clock(), nil
	})
	r.RegisterDefault("current_time", func(context.Context, Record) (any, error) {
		return r.clock().Format("15:04:05"), nil
	})
	r.RegisterDefault("uuid", func(context.Context, Record) (any, error) {
		return id.New().String(), nil
	})
	r.RegisterDefault("zero", func(context.Context, Record) (any, error) {
		return 0, nil
	})
	r.RegisterDefault("empty_list", func(context.Context, Record) (any, error) {
		return []any{}, nil
	})
	r.RegisterDefault("empty_map", func(context.Context, Record) (any, error) {
		return map[string]any{}, nil
	})
}

func titleize(s string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(s), "_", " "))
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
