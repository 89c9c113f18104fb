// Package schema reconciles model definitions with physical tables. It only
// ever creates tables, adds columns and creates indexes.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"metaforge/internal/metadata"
)

// Dialect captures the storage differences the synchronizer cares about.
type Dialect struct {
	// NativeJSON selects jsonb; otherwise json values are stored as text.
	NativeJSON bool
}

// Column is one physical column.
type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
	// Default is the rendered SQL literal, empty when none.
	Default string
	// Value is the Go form of Default, for stores that do not speak SQL.
	Value any
}

// Index is a (possibly unique) index over columns of one table.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// ColumnType maps a field to its column type.
func ColumnType(f metadata.Field, d Dialect) (string, error) {
	switch f.Type {
	case metadata.TypeString, metadata.TypeEnum:
		limit := f.Column.Limit
		if limit <= 0 {
			limit = 255
		}
		return fmt.Sprintf("varchar(%d)", limit), nil
	case metadata.TypeText, metadata.TypeRichText:
		return "text", nil
	case metadata.TypeInteger:
		if f.Column.Limit > 4 {
			return "bigint", nil
		}
		return "integer", nil
	case metadata.TypeDecimal:
		if f.Column.Precision > 0 {
			return fmt.Sprintf("numeric(%d,%d)", f.Column.Precision, f.Column.Scale), nil
		}
		return "numeric", nil
	case metadata.TypeBoolean:
		return "boolean", nil
	case metadata.TypeDate:
		return "date", nil
	case metadata.TypeDatetime:
		return "timestamp", nil
	case metadata.TypeJSON, metadata.TypeAttachment:
		return d.jsonType(), nil
	}
	return "", fmt.Errorf("field %q: no column type for %q", f.Name, f.Type)
}

func (d Dialect) jsonType() string {
	if d.NativeJSON {
		return "jsonb"
	}
	return "text"
}

// Desired lists the columns and indexes a model needs, in a stable order:
// primary key, declared fields, association columns, custom fields, timestamps.
func Desired(m *metadata.Model, d Dialect) ([]Column, []Index, error) {
	cols := []Column{{Name: "id", Type: "bigserial", PrimaryKey: true}}

	var indexes []Index
	for _, f := range m.StoredFields() {
		typ, err := ColumnType(f, d)
		if err != nil {
			return nil, nil, err
		}
		col := Column{Name: f.Name, Type: typ, Nullable: f.Nullable()}
		if f.Default.Pushable() {
			col.Value = f.Default.Value
			col.Default = Literal(f.Default.Value)
		}
		cols = append(cols, col)
		if f.Unique {
			indexes = append(indexes, Index{
				Name:    m.Table + "_" + f.Name + "_key",
				Columns: []string{f.Name},
				Unique:  true,
			})
		}
	}

	for _, a := range m.Associations {
		if a.Type != metadata.BelongsTo {
			continue
		}
		if _, declared := m.Field(a.ForeignKey); !declared {
			cols = append(cols, Column{Name: a.ForeignKey, Type: "bigint", Nullable: true})
			indexes = append(indexes, Index{
				Name:    m.Table + "_" + a.ForeignKey + "_idx",
				Columns: []string{a.ForeignKey},
			})
		}
		if tc := a.TypeColumn(); tc != "" {
			if _, declared := m.Field(tc); !declared {
				cols = append(cols, Column{Name: tc, Type: "varchar(255)", Nullable: true})
			}
		}
	}

	if m.Options.CustomFields {
		cols = append(cols, Column{Name: "custom_fields", Type: d.jsonType(), Nullable: true})
	}
	if m.Options.Timestamps {
		cols = append(cols,
			Column{Name: "created_at", Type: "timestamp", Default: "now()"},
			Column{Name: "updated_at", Type: "timestamp", Default: "now()"},
		)
	}

	if p := m.Positioning; p != nil {
		idx := Index{Name: m.Table + "_" + p.Field + "_idx", Columns: []string{p.Field}}
		if col := scopeColumn(m); col != "" {
			idx.Columns = []string{col, p.Field}
		}
		indexes = append(indexes, idx)
	}
	return cols, indexes, nil
}

// scopeColumn resolves the positioning scope to a column name.
func scopeColumn(m *metadata.Model) string {
	p := m.Positioning
	if p == nil || p.Scope == "" {
		return ""
	}
	if a, ok := m.Association(p.Scope); ok && a.Type == metadata.BelongsTo {
		return a.ForeignKey
	}
	return p.Scope
}

// Literal renders a scalar as a SQL literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "NULL"
	}
	return Literal(string(b))
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (c Column) definition() string {
	var sb strings.Builder
	sb.WriteString(quote(c.Name))
	sb.WriteByte(' ')
	sb.WriteString(c.Type)
	if c.PrimaryKey {
		sb.WriteString(" PRIMARY KEY")
		return sb.String()
	}
	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(c.Default)
	}
	return sb.String()
}

// CreateTableSQL renders CREATE TABLE.
func CreateTableSQL(table string, cols []Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.definition()
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(defs, ", "))
}

// AddColumnSQL renders ALTER TABLE ... ADD COLUMN.
func AddColumnSQL(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", quote(table), c.definition())
}

// CreateIndexSQL renders CREATE [UNIQUE] INDEX.
func CreateIndexSQL(table string, idx Index) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = quote(c)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, quote(idx.Name), quote(table), strings.Join(cols, ", "))
}
