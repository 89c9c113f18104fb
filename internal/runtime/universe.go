package runtime

import (
	"slices"
)

// Universe is an immutable set of usable types published by one reload.
type Universe struct {
	version string
	types   map[string]*Type
	names   []string
}

// NewUniverse groups built types under a metadata version.
func NewUniverse(version string, types ...*Type) *Universe {
	u := &Universe{version: version, types: make(map[string]*Type, len(types))}
	for _, t := range types {
		u.types[t.name] = t
		u.names = append(u.names, t.name)
	}
	slices.Sort(u.names)
	return u
}

// Lookup returns a type by model name.
func (u *Universe) Lookup(name string) (*Type, bool) {
	if u == nil {
		return nil, false
	}
	t, ok := u.types[name]
	return t, ok
}

// Names lists model names, sorted.
func (u *Universe) Names() []string {
	if u == nil {
		return nil
	}
	return slices.Clone(u.names)
}

// Version is the metadata version the universe was built from.
func (u *Universe) Version() string {
	if u == nil {
		return ""
	}
	return u.version
}

// Len returns the number of types.
func (u *Universe) Len() int {
	if u == nil {
		return 0
	}
	return len(u.types)
}
