// Package supervisor owns the child agent process: spawn, health polling,
// stop with escalation, runtime overrides and the operator HTTP API.
package supervisor

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// defaultCatalog is the built-in set of detection classes an operator may
// filter on. A deployment with a custom model replaces it with a YAML file.
var defaultCatalog = []string{
	"person",
	"car",
	"truck",
	"bus",
	"bicycle",
	"motorcycle",
	"dog",
	"cat",
}

// Catalog is the closed set of valid detection classes.
type Catalog struct {
	classes []string
	set     map[string]struct{}
}

// LoadCatalog reads the class catalog from a YAML file of the form
// `classes: [a, b, c]`, or returns the built-in catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	classes := defaultCatalog
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read class catalog: %w", err)
		}
		var doc struct {
			Classes []string `yaml:"classes"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse class catalog: %w", err)
		}
		if len(doc.Classes) == 0 {
			return nil, fmt.Errorf("class catalog %s lists no classes", path)
		}
		classes = doc.Classes
	}

	c := &Catalog{set: make(map[string]struct{}, len(classes))}
	for _, cls := range classes {
		if _, dup := c.set[cls]; dup {
			continue
		}
		c.set[cls] = struct{}{}
		c.classes = append(c.classes, cls)
	}
	sort.Strings(c.classes)
	return c, nil
}

// Contains reports whether cls is a valid class.
func (c *Catalog) Contains(cls string) bool {
	_, ok := c.set[cls]
	return ok
}

// Classes returns the catalog contents, sorted.
func (c *Catalog) Classes() []string {
	out := make([]string, len(c.classes))
	copy(out, c.classes)
	return out
}

// Validate returns the subset of classes not present in the catalog.
func (c *Catalog) Validate(classes []string) []string {
	var unknown []string
	for _, cls := range classes {
		if !c.Contains(cls) {
			unknown = append(unknown, cls)
		}
	}
	return unknown
}
