// Package character loads the character catalog that supplies names,
// personalities and profiles to sessions and the summarizer.
package character

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Character describes an AI persona.
type Character struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Personality string `yaml:"personality" json:"personality"`
	Profile     string `yaml:"profile" json:"profile"`
}

type catalogFile struct {
	Characters []Character `yaml:"characters"`
}

// Catalog is an immutable set of characters keyed by ID.
type Catalog struct {
	byID map[string]Character
}

// Empty returns a catalog with no characters.
func Empty() *Catalog {
	return &Catalog{byID: map[string]Character{}}
}

// Load reads a YAML catalog. A missing file yields an empty catalog.
//
//	characters:
//	  - id: miku
//	    name: Miku
//	    personality: cheerful, curious
//	    profile: A virtual singer who loves tea.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read characters file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse characters: %w", err)
	}
	c := Empty()
	for i, ch := range f.Characters {
		ch.ID = strings.TrimSpace(ch.ID)
		if ch.ID == "" {
			return nil, fmt.Errorf("character %d: id is required", i)
		}
		if _, dup := c.byID[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate character id %q", ch.ID)
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		c.byID[ch.ID] = ch
	}
	return c, nil
}

// Get returns the character with id.
func (c *Catalog) Get(id string) (Character, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// Resolve returns the catalog entry or a bare character named after the ID.
func (c *Catalog) Resolve(id string) Character {
	if ch, ok := c.byID[id]; ok {
		return ch
	}
	return Character{ID: id, Name: id}
}

// List returns all characters sorted by ID.
func (c *Catalog) List() []Character {
	out := make([]Character, 0, len(c.byID))
	for _, ch := range c.byID {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of characters.
func (c *Catalog) Len() int { return len(c.byID) }
