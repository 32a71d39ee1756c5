package backlog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
	"storyline/internal/graph"
)

// Document is the on-disk backlog format: one structured YAML file per
// domain backlog, containing metadata plus the ordered story list.
type Document struct {
	Backlog struct {
		ID       string `yaml:"id"`
		Domain   string `yaml:"domain"`
		Priority int    `yaml:"priority"`
		Track    string `yaml:"track"`
	} `yaml:"backlog"`
	Stories []StoryDoc `yaml:"stories"`
}

type StoryDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Acceptance  []string `yaml:"acceptance"`
	DependsOn   []string `yaml:"depends_on"`
	Budget      int      `yaml:"budget"`
	FileBudget  int      `yaml:"file_budget"`
	Files       []string `yaml:"files"`
	SignalToken string   `yaml:"signal_token"`
}

// ParseFile reads and validates a backlog document from disk.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a backlog document and validates its structure,
// including the acyclicity of the dependency graph.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse backlog: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks document-level invariants before import.
func (d *Document) Validate() error {
	if d.Backlog.ID == "" {
		return fmt.Errorf("backlog.id is required")
	}
	if d.Backlog.Domain == "" {
		return fmt.Errorf("backlog.domain is required")
	}
	if len(d.Stories) == 0 {
		return fmt.Errorf("backlog %s has no stories", d.Backlog.ID)
	}
	seen := map[string]bool{}
	for i, s := range d.Stories {
		if s.ID == "" {
			return fmt.Errorf("story %d: id is required", i)
		}
		if s.Name == "" {
			return fmt.Errorf("story %s: name is required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate story id %s", s.ID)
		}
		seen[s.ID] = true
		if s.Budget < 0 {
			return fmt.Errorf("story %s: budget must not be negative", s.ID)
		}
		if s.FileBudget < 0 {
			return fmt.Errorf("story %s: file_budget must not be negative", s.ID)
		}
		if len(s.Acceptance) == 0 {
			return fmt.Errorf("story %s: at least one acceptance criterion is required", s.ID)
		}
		for _, a := range s.Acceptance {
			if a == "" {
				return fmt.Errorf("story %s: empty acceptance criterion", s.ID)
			}
		}
		for _, f := range s.Files {
			if f == "" {
				return fmt.Errorf("story %s: empty file path", s.ID)
			}
		}
	}
	return graph.Validate(d.StoriesAsDomain())
}

// StoriesAsDomain converts the document stories into domain stories
// with pending status. Timestamps and budget defaults are filled in at
// import time by the engine.
func (d *Document) StoriesAsDomain() []domain.Story {
	res := make([]domain.Story, 0, len(d.Stories))
	for _, s := range d.Stories {
		res = append(res, domain.Story{
			ID:          s.ID,
			BacklogID:   d.Backlog.ID,
			Name:        s.Name,
			Description: s.Description,
			Priority:    s.Priority,
			Status:      domain.StatusPending,
			Acceptance:  s.Acceptance,
			DependsOn:   s.DependsOn,
			Budget:      s.Budget,
			FileBudget:  s.FileBudget,
			Files:       s.Files,
			SignalToken: s.SignalToken,
		})
	}
	return res
}
