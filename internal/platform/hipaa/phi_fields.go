package hipaa

import (
	"fmt"
	"sort"
)

// Mode selects how a sensitive attribute is encrypted at rest.
type Mode string

const (
	// ModeDeterministic leaks equality of values within the attribute and in
	// exchange supports exact-match lookups on the stored envelope.
	ModeDeterministic Mode = "DETERMINISTIC"
	// ModeRandom is used for free text that is never filtered by value.
	ModeRandom Mode = "RANDOM"
)

// SensitiveAttribute declares that an entity attribute holds PHI that must be
// encrypted at rest.
type SensitiveAttribute struct {
	// Entity is the storage name of the entity (e.g. "patient").
	Entity string
	// Attribute is the attribute name as bound by the entity's PHIFields.
	Attribute string
	Mode      Mode
	// KeyName is the logical name the subkey is derived from. Defaults to
	// "<Entity>.<Attribute>".
	KeyName string
}

// LogicalKey returns the name the attribute's subkeys are derived from.
func (a SensitiveAttribute) LogicalKey() string {
	if a.KeyName != "" {
		return a.KeyName
	}
	return a.Entity + "." + a.Attribute
}

// Protected is implemented by every entity carrying sensitive attributes.
// PHIFields binds attribute names to the entity's in-memory string values;
// a nil pointer means the attribute is absent (SQL NULL).
type Protected interface {
	EntityName() string
	PHIFields() map[string]*string
}

// Schema is the registry of sensitive attributes per entity, built once at
// startup from the declarative tables of the domain packages.
type Schema struct {
	entities map[string][]SensitiveAttribute
}

// NewSchema validates the attribute tables and indexes them by entity.
func NewSchema(tables ...[]SensitiveAttribute) (*Schema, error) {
	s := &Schema{entities: make(map[string][]SensitiveAttribute)}
	seen := make(map[string]bool)

	for _, table := range tables {
		for _, a := range table {
			if a.Entity == "" || a.Attribute == "" {
				return nil, fmt.Errorf("sensitive attribute with empty entity or attribute name: %+v", a)
			}
			if a.Mode != ModeDeterministic && a.Mode != ModeRandom {
				return nil, fmt.Errorf("sensitive attribute %s.%s: unknown mode %q", a.Entity, a.Attribute, a.Mode)
			}
			path := a.Entity + "." + a.Attribute
			if seen[path] {
				return nil, fmt.Errorf("sensitive attribute %s declared twice", path)
			}
			seen[path] = true
			s.entities[a.Entity] = append(s.entities[a.Entity], a)
		}
	}
	return s, nil
}

// MustSchema is NewSchema for static tables; it panics on an invalid table.
func MustSchema(tables ...[]SensitiveAttribute) *Schema {
	s, err := NewSchema(tables...)
	if err != nil {
		panic(err)
	}
	return s
}

// Attributes returns the sensitive attributes declared for entity.
func (s *Schema) Attributes(entity string) []SensitiveAttribute {
	return s.entities[entity]
}

// Lookup returns the declaration of entity.attribute.
func (s *Schema) Lookup(entity, attribute string) (SensitiveAttribute, bool) {
	for _, a := range s.entities[entity] {
		if a.Attribute == attribute {
			return a, true
		}
	}
	return SensitiveAttribute{}, false
}

// Entities returns the registered entity names in sorted order.
func (s *Schema) Entities() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PHIFieldPaths returns a flat set of "<entity>.<attribute>" strings.
func (s *Schema) PHIFieldPaths() map[string]bool {
	paths := make(map[string]bool, 16)
	for entity, attrs := range s.entities {
		for _, a := range attrs {
			paths[entity+"."+a.Attribute] = true
		}
	}
	return paths
}
