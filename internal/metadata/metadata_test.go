package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaforge/internal/condition"
	"metaforge/internal/core/apperror"
)

const taskYAML = `
name: task
options:
  label_method: title
fields:
  - name: title
    type: string
    transforms: [strip]
    validations:
      - type: presence
      - type: length
        max: 80
  - name: status
    type: enum
    values: [open, done]
    default: open
  - name: contact
    type: email
  - name: start_date
    type: date
  - name: end_date
    type: date
    validations:
      - type: comparison
        operator: gte
        compare: start_date
  - name: due_on
    type: date
    default: ":current_date"
  - name: summary
    computed: "{title} ({status})"
  - name: weather
    source: {service: forecast, options: {units: metric}}
associations:
  - type: belongs_to
    name: project
    counter_cache: true
  - type: has_many
    name: comments
    order: ["created_at desc"]
    dependent: destroy
    nested: {allow_destroy: true, limit: 5, reject_if: {field: body, operator: blank}}
scopes:
  - name: open
    where: {status: open}
    order: [position]
events:
  - name: task.closed
    on: field_change
    field: status
    condition: {field: status, operator: eq, value: done}
  - on: after_create
positioning:
  scope: project
`

func loadTask(t *testing.T) *Model {
	t.Helper()
	models, err := LoadBytes([]byte(taskYAML), NewTypeCatalog())
	require.NoError(t, err)
	require.Len(t, models, 1)
	return models[0]
}

func TestDecode_Task(t *testing.T) {
	m := loadTask(t)
	require.NoError(t, m.Validate())

	assert.Equal(t, "tasks", m.Table)
	assert.True(t, m.Options.Timestamps)

	status, ok := m.Field("status")
	require.True(t, ok)
	assert.Equal(t, &Default{Kind: DefaultLiteral, Value: "open"}, status.Default)
	assert.True(t, status.Default.Pushable())

	due, _ := m.Field("due_on")
	assert.Equal(t, DefaultDynamic, due.Default.Kind)
	assert.Equal(t, "current_date", due.Default.Name)
	assert.False(t, due.Default.Pushable())

	contact, _ := m.Field("contact")
	assert.Equal(t, TypeString, contact.Type)
	assert.Equal(t, "email", contact.CustomType)
	assert.Equal(t, []string{"strip", "downcase"}, contact.TypeTransforms)
	require.Len(t, contact.TypeValidations, 1)
	assert.Equal(t, "contact", contact.TypeValidations[0].Field)

	end, _ := m.Field("end_date")
	require.Len(t, end.Validations, 1)
	assert.Equal(t, condition.Gte, end.Validations[0].Operator)
	assert.Equal(t, "start_date", end.Validations[0].Compare)

	summary, _ := m.Field("summary")
	weather, _ := m.Field("weather")
	assert.True(t, summary.Virtual())
	assert.True(t, weather.Virtual())
	assert.Equal(t, map[string]any{"units": "metric"}, weather.Source.Options)

	pos, ok := m.Field("position")
	require.True(t, ok, "positioning adds an implicit integer field")
	assert.Equal(t, TypeInteger, pos.Type)
	assert.Equal(t, &Positioning{Field: "position", Scope: "project"}, m.Positioning)

	project, _ := m.Association("project")
	assert.Equal(t, "project_id", project.ForeignKey)
	assert.Equal(t, "project", project.Target)
	assert.True(t, project.Required)

	comments, _ := m.Association("comments")
	assert.Equal(t, "comment", comments.Target)
	assert.False(t, comments.Required)
	assert.Equal(t, []OrderTerm{{Field: "created_at", Desc: true}}, comments.Order)
	require.NotNil(t, comments.Nested)
	assert.Equal(t, 5, comments.Nested.Limit)

	assert.Equal(t, []string{"project_id"}, m.ImplicitColumns())
	assert.Equal(t, "task.after_create", m.Events[1].Name)

	names := make([]string, 0)
	for _, f := range m.StoredFields() {
		names = append(names, f.Name)
	}
	assert.NotContains(t, names, "summary")
	assert.NotContains(t, names, "weather")
}

func TestValidate_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		field string
		code  string
	}{
		{
			name: "duplicate field",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "x"}, map[string]any{"name": "x"},
			}},
			field: "x", code: "duplicate",
		},
		{
			name: "enum default outside values",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "s", "type": "enum", "values": []any{"a"}, "default": "b"},
			}},
			field: "s", code: "enum",
		},
		{
			name: "enum without values",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "s", "type": "enum"},
			}},
			field: "s", code: "enum",
		},
		{
			name: "unresolvable comparison sibling",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "end_date", "type": "date", "validations": []any{
					map[string]any{"type": "comparison", "operator": "gte", "compare": "start_date"},
				}},
			}},
			field: "end_date", code: "reference",
		},
		{
			name: "invalid matches regex",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "code", "validations": []any{
					map[string]any{"type": "presence", "when": map[string]any{"field": "code", "operator": "matches", "value": "("}},
				}},
			}},
			field: "code", code: "when",
		},
		{
			name: "computed and sourced",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "v", "computed": "{x}", "source": "external"},
			}},
			field: "v", code: "virtual",
		},
		{
			name: "when references unknown field",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "v", "validations": map[string]any{
					"presence": map[string]any{"when": map[string]any{"field": "nope", "operator": "present"}},
				}},
			}},
			field: "v", code: "reference",
		},
		{
			name:  "bad identifier",
			raw:   map[string]any{"name": "Task"},
			field: "", code: "name",
		},
		{
			name: "field_change on unknown field",
			raw: map[string]any{"name": "a", "events": []any{
				map[string]any{"on": "field_change", "field": "ghost"},
			}},
			field: "ghost", code: "event",
		},
		{
			name: "system column clash",
			raw: map[string]any{"name": "a", "fields": []any{
				map[string]any{"name": "created_at", "type": "datetime"},
			}},
			field: "created_at", code: "reserved",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, NewTypeCatalog())
			require.Error(t, err)
			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, apperror.CodeDefinition, appErr.Code)

			found := false
			for _, issue := range appErr.Issues() {
				if issue.Field == tt.field && issue.Code == tt.code {
					found = true
				}
			}
			assert.True(t, found, "issues: %+v", appErr.Issues())
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode(map[string]any{"name": "a", "fields": []any{
		map[string]any{"name": "x", "type": "uuidish"},
	}}, NewTypeCatalog())
	assert.True(t, apperror.IsDefinition(err))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.yml"), []byte(taskYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "more.yaml"), []byte(`
types:
  - name: phone
    base: string
    transforms: [squish]
models:
  - name: project
    fields:
      - {name: name, type: string}
  - name: contact
    fields:
      - {name: mobile, type: phone}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a model"), 0o600))

	types := NewTypeCatalog()
	models, err := LoadDir(dir, types)
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "contact", models[0].Name)
	assert.Equal(t, "project", models[1].Name)
	assert.Equal(t, "task", models[2].Name)

	mobile, _ := models[0].Field("mobile")
	assert.Equal(t, "phone", mobile.CustomType)
	assert.Contains(t, types.Names(), "phone")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.yml"), []byte("name: project\n"), 0o600))
	_, err = LoadDir(dir, types)
	assert.ErrorContains(t, err, "duplicate model")
}

func TestRegistry_NotifiesChangedModels(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.OnChange(func(model string, _ int64) { got = append(got, model) })

	a := &Model{Name: "a", Table: "as"}
	b := &Model{Name: "b", Table: "bs"}
	assert.Equal(t, []string{"a", "b"}, r.Replace([]*Model{a, b}))

	b2 := &Model{Name: "b", Table: "bees"}
	assert.Equal(t, []string{"b"}, r.Replace([]*Model{a, b2}))
	assert.Equal(t, []string{"a"}, r.Replace([]*Model{b2}))

	assert.Equal(t, []string{"a", "b", "b", "a"}, got)
	assert.EqualValues(t, 3, r.Version())
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestNaming(t *testing.T) {
	tests := map[string]string{
		"task":     "tasks",
		"category": "categories",
		"status":   "statuses",
		"box":      "boxes",
		"person":   "people",
		"day":      "days",
	}
	for single, plural := range tests {
		assert.Equal(t, plural, Pluralize(single))
		assert.Equal(t, single, Singularize(plural))
	}
	assert.Equal(t, "e_users", TableName("user"))
}
