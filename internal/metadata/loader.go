package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes one YAML file holding either a single model or
// a `models:` list. Definitions are decoded but not validated.
func LoadFile(path string, types *TypeCatalog) ([]*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return LoadBytes(data, types)
}

// LoadBytes is LoadFile over an in-memory document.
func LoadBytes(data []byte, types *TypeCatalog) ([]*Model, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil, nil
	}

	raws := []any{doc}
	if list, ok := doc["models"].([]any); ok {
		raws = list
	}
	if td, ok := doc["types"].([]any); ok {
		if err := registerTypes(types, td); err != nil {
			return nil, err
		}
	}

	var out []*Model
	for i, raw := range raws {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("models[%d]: expected a map", i)
		}
		if _, named := m["name"]; !named && len(raws) == 1 && doc["models"] == nil {
			// a types-only document
			continue
		}
		model, err := Decode(m, types)
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, nil
}

// LoadDir walks root for *.yml / *.yaml files. Duplicate model names across
// files are an error. The result is sorted by model name.
func LoadDir(root string, types *TypeCatalog) ([]*Model, error) {
	byName := map[string]string{}
	var out []*Model

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !IsModelFile(path) {
			return nil
		}
		models, err := LoadFile(path, types)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		for _, m := range models {
			if prev, dup := byName[m.Name]; dup {
				return fmt.Errorf("duplicate model %q in %s (first defined in %s)", m.Name, path, prev)
			}
			byName[m.Name] = path
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// IsModelFile reports whether path looks like a model description.
func IsModelFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

func registerTypes(types *TypeCatalog, raw []any) error {
	if types == nil {
		return errors.New("types declared but no type catalog supplied")
	}
	for i, item := range raw {
		tm, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("types[%d]: expected a map", i)
		}
		d := &decoder{types: types}
		def := TypeDef{
			Name:        str(tm["name"]),
			Base:        FieldType(str(tm["base"])),
			Transforms:  strs(tm["transforms"]),
			Validations: d.rules("", tm["validations"]),
		}
		if len(d.issues) > 0 {
			return fmt.Errorf("type %q: %s", def.Name, d.issues[0].Message)
		}
		if err := types.Register(def); err != nil {
			return err
		}
	}
	return nil
}
