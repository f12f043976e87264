package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EntityType is one label the extractor may assign to a mention
type EntityType struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Schema constrains which entity types extraction may produce. Relaxed lets
// propositions through even when they mention types outside the schema.
type Schema struct {
	Name        string       `json:"name"`
	EntityTypes []EntityType `json:"entity_types"`
	Relaxed     bool         `json:"relaxed,omitempty"`
}

// HasType reports whether the schema declares the type, ignoring case
func (s Schema) HasType(name string) bool {
	for _, t := range s.EntityTypes {
		if strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

// CanonicalType returns the schema's spelling of a type name
func (s Schema) CanonicalType(name string) string {
	for _, t := range s.EntityTypes {
		if strings.EqualFold(t.Name, name) {
			return t.Name
		}
	}
	return name
}

// TypeNames lists the declared type names
func (s Schema) TypeNames() []string {
	names := make([]string, 0, len(s.EntityTypes))
	for _, t := range s.EntityTypes {
		names = append(names, t.Name)
	}
	return names
}

// DefaultSchema covers what listeners of the assistant talk about
func DefaultSchema() Schema {
	return Schema{
		Name: "assistant",
		EntityTypes: []EntityType{
			{Name: "Person", Description: "A human, including the user and people they mention"},
			{Name: "Composer", Description: "A composer of music"},
			{Name: "Artist", Description: "A performing musician, band or ensemble"},
			{Name: "Work", Description: "A musical or creative work such as a concerto, album or song"},
			{Name: "Genre", Description: "A musical or artistic genre"},
			{Name: "Place", Description: "A city, country, venue or other location"},
			{Name: "Organization", Description: "A company, orchestra, label or institution"},
			{Name: "Topic", Description: "A subject of interest that is none of the above"},
		},
	}
}

// LoadSchema reads a JSON schema file
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse schema file: %w", err)
	}
	if len(s.EntityTypes) == 0 {
		return Schema{}, fmt.Errorf("schema %q declares no entity types", s.Name)
	}
	return s, nil
}
