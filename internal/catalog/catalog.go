// Package catalog holds the fixed set of subjects and their units that scope
// chat creation, filtering and reply templating. A Catalog never changes after
// it has been built.
package catalog

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Subject struct {
	ID    string   `toml:"id" json:"id"`
	Name  string   `toml:"name" json:"name"`
	Units []string `toml:"units" json:"units"`
}

type Catalog struct {
	subjects []Subject
	byID     map[string]int
}

type catalogFile struct {
	Subjects []Subject `toml:"subject"`
}

var defaultSubjects = []Subject{
	{ID: "mathematics", Name: "Mathematics", Units: []string{"Algebra", "Calculus", "Geometry", "Statistics"}},
	{ID: "physics", Name: "Physics", Units: []string{"Mechanics", "Thermodynamics", "Electromagnetism", "Optics"}},
	{ID: "chemistry", Name: "Chemistry", Units: []string{"Atomic Structure", "Chemical Bonding", "Organic Chemistry", "Kinetics"}},
	{ID: "biology", Name: "Biology", Units: []string{"Cell Biology", "Genetics", "Evolution", "Ecology"}},
	{ID: "computer-science", Name: "Computer Science", Units: []string{"Programming Basics", "Data Structures", "Algorithms", "Databases"}},
	{ID: "generative-ai", Name: "Generative AI", Units: []string{"Foundations", "Transformers", "Diffusion Models", "Prompting"}},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(defaultSubjects)
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid built-in catalog: %v", err))
	}
	return c
}

// New validates subjects and builds a catalog from a copy of them.
func New(subjects []Subject) (*Catalog, error) {
	if len(subjects) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one subject")
	}

	c := &Catalog{byID: make(map[string]int, len(subjects))}
	for _, s := range subjects {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("subject %q has no id", s.Name)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate subject id %q", s.ID)
		}
		if len(s.Units) == 0 {
			return nil, fmt.Errorf("subject %q has no units", s.ID)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		s.Units = append([]string(nil), s.Units...)
		c.byID[s.ID] = len(c.subjects)
		c.subjects = append(c.subjects, s)
	}
	return c, nil
}

// Load reads a TOML catalog made of [[subject]] tables.
func Load(path string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog %s: %w", path, err)
	}
	c, err := New(file.Subjects)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) Subject(id string) (Subject, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Subject{}, false
	}
	return copySubject(c.subjects[i]), true
}

// Subjects returns every subject in catalog order.
func (c *Catalog) Subjects() []Subject {
	out := make([]Subject, len(c.subjects))
	for i, s := range c.subjects {
		out[i] = copySubject(s)
	}
	return out
}

// First returns the subject a fresh session starts on.
func (c *Catalog) First() Subject {
	return copySubject(c.subjects[0])
}

func (c *Catalog) FirstUnit(subjectID string) (string, bool) {
	i, ok := c.byID[subjectID]
	if !ok {
		return "", false
	}
	return c.subjects[i].Units[0], true
}

func (c *Catalog) HasUnit(subjectID, unit string) bool {
	i, ok := c.byID[subjectID]
	if !ok {
		return false
	}
	for _, u := range c.subjects[i].Units {
		if u == unit {
			return true
		}
	}
	return false
}

// DisplayName returns the subject's name, or the id itself when unknown.
func (c *Catalog) DisplayName(subjectID string) string {
	if i, ok := c.byID[subjectID]; ok {
		return c.subjects[i].Name
	}
	return subjectID
}

func copySubject(s Subject) Subject {
	s.Units = append([]string(nil), s.Units...)
	return s
}
