package metadata

import (
	"fmt"
	"sort"
	"sync"
)

// TypeDef is a named custom type built on a base type.
type TypeDef struct {
	Name        string
	Base        FieldType
	Transforms  []string
	Validations []Rule
	Column      ColumnOptions
}

// TypeCatalog holds custom type definitions. The zero value is not usable;
// call NewTypeCatalog.
type TypeCatalog struct {
	mu    sync.RWMutex
	types map[string]TypeDef
}

// NewTypeCatalog returns a catalog with the built-in custom types
// email, slug and money.
func NewTypeCatalog() *TypeCatalog {
	c := &TypeCatalog{types: make(map[string]TypeDef)}
	_ = c.Register(TypeDef{
		Name:       "email",
		Base:       TypeString,
		Transforms: []string{"strip", "downcase"},
		Validations: []Rule{{
			Type:    RuleFormat,
			Options: map[string]any{"with": `^[^@\s]+@[^@\s]+\.[^@\s]+$`, "message": "is not a valid email"},
		}},
	})
	_ = c.Register(TypeDef{
		Name:       "slug",
		Base:       TypeString,
		Transforms: []string{"strip", "parameterize"},
	})
	_ = c.Register(TypeDef{
		Name:   "money",
		Base:   TypeDecimal,
		Column: ColumnOptions{Precision: 15, Scale: 2},
	})
	return c
}

// Register adds or replaces a custom type.
func (c *TypeCatalog) Register(def TypeDef) error {
	if !identifier.MatchString(def.Name) {
		return fmt.Errorf("invalid type name %q", def.Name)
	}
	if !def.Base.Valid() {
		return fmt.Errorf("type %q: unknown base type %q", def.Name, def.Base)
	}
	if FieldType(def.Name).Valid() {
		return fmt.Errorf("type %q shadows a base type", def.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[def.Name] = def
	return nil
}

// Lookup finds a custom type.
func (c *TypeCatalog) Lookup(name string) (TypeDef, bool) {
	if c == nil {
		return TypeDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.types[name]
	return def, ok
}

// Names lists the registered custom types.
func (c *TypeCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for n := range c.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
