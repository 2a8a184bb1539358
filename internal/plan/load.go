package plan

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/phaseflow/internal/errors"
)

// File is the on-disk YAML form of a plan.
//
//	name: storybook
//	phases:
//	  - id: 1
//	    name: concept
//	    critical: true
//	  - id: 2
//	    name: narrative
//	    depends_on: [1]
type File struct {
	Name   string      `yaml:"name,omitempty"`
	Phases []PhaseSpec `yaml:"phases"`
}

// Parse decodes a YAML plan document. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errors.NewInvalidPlanError([]string{"cannot decode plan"}).WithCause(err)
	}
	return &f, nil
}

// Load reads and builds the plan at path.
func Load(path string, opts ...BuildOption) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p, err := Build(f.Phases, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Marshal encodes specs as a YAML plan document.
func Marshal(name string, specs []PhaseSpec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{Name: name, Phases: specs}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Built-in phase ids of the default generation plan.
const (
	PhaseConcept      PhaseID = 1
	PhaseNarrative    PhaseID = 2
	PhaseCharacters   PhaseID = 3
	PhaseSceneText    PhaseID = 4
	PhaseIllustration PhaseID = 5
	PhaseLayout       PhaseID = 6
	PhaseFinalReview  PhaseID = 7
)

// DefaultSpecs returns the built-in seven-phase generation plan.
func DefaultSpecs() []PhaseSpec {
	return []PhaseSpec{
		{ID: PhaseConcept, Name: "concept", Description: "premise, audience and tone", Critical: true},
		{ID: PhaseNarrative, Name: "narrative", Description: "story outline and page beats", DependsOn: []PhaseID{PhaseConcept}, Critical: true, Checkpoint: true},
		{ID: PhaseCharacters, Name: "characters", Description: "character sheets", DependsOn: []PhaseID{PhaseNarrative}, ParallelGroup: "assets"},
		{ID: PhaseSceneText, Name: "scene_text", Description: "per-page text", DependsOn: []PhaseID{PhaseNarrative}, ParallelGroup: "assets"},
		{ID: PhaseIllustration, Name: "illustrations", Description: "illustration prompts per page", DependsOn: []PhaseID{PhaseCharacters, PhaseSceneText}, Checkpoint: true},
		{ID: PhaseLayout, Name: "layout", Description: "page layout", DependsOn: []PhaseID{PhaseSceneText, PhaseIllustration}},
		{ID: PhaseFinalReview, Name: "final_review", Description: "consistency review and summary", DependsOn: []PhaseID{PhaseLayout}, Critical: true},
	}
}

// Default builds DefaultSpecs.
func Default(opts ...BuildOption) (*ExecutionPlan, error) {
	return Build(DefaultSpecs(), opts...)
}
