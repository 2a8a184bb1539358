package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/phaseflow/internal/errors"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	content := `name: tiny
phases:
  - id: 1
    name: draft
    critical: true
  - id: 2
    name: polish
    depends_on: [1]
    max_retries: 0
    checkpoint: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path, WithDefaultMaxRetries(4))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	n1, _ := p.Node(1)
	n2, _ := p.Node(2)
	if !n1.Critical || n1.MaxRetries != 4 {
		t.Errorf("node 1 = %+v", n1)
	}
	if !n2.Checkpoint || n2.MaxRetries != 0 || n2.Deps[0] != 1 {
		t.Errorf("node 2 = %+v", n2)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		if err == nil || !strings.Contains(err.Error(), "failed to read plan file") {
			t.Errorf("Load() error = %v", err)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("phases:\n  - id: 1\n    deps: [2]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, errors.ErrPlanInvalid) {
			t.Errorf("Load() error = %v, want ErrPlanInvalid", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		path := filepath.Join(dir, "cycle.yaml")
		doc := "phases:\n  - id: 1\n    depends_on: [2]\n  - id: 2\n    depends_on: [1]\n"
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, errors.ErrDependencyCycle) {
			t.Errorf("Load() error = %v, want ErrDependencyCycle", err)
		}
		if !strings.Contains(err.Error(), path) {
			t.Errorf("error should name the file: %v", err)
		}
	})
}

func TestMarshal_RoundTripsDefault(t *testing.T) {
	data, err := Marshal("default", DefaultSpecs())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Name != "default" || len(f.Phases) != 7 {
		t.Fatalf("parsed %q with %d phases", f.Name, len(f.Phases))
	}
	if _, err := Build(f.Phases); err != nil {
		t.Errorf("Build() of marshaled default plan: %v", err)
	}
}

func TestDefaultSpecs(t *testing.T) {
	p, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	var critical, checkpoints []PhaseID
	for _, n := range p.Nodes() {
		if n.Critical {
			critical = append(critical, n.ID)
		}
		if n.Checkpoint {
			checkpoints = append(checkpoints, n.ID)
		}
	}
	if len(critical) != 3 || critical[0] != 1 || critical[1] != 2 || critical[2] != 7 {
		t.Errorf("critical = %v, want [1 2 7]", critical)
	}
	if len(checkpoints) != 2 || checkpoints[0] != 2 || checkpoints[1] != 5 {
		t.Errorf("checkpoints = %v, want [2 5]", checkpoints)
	}
	groups := p.Partition([]PhaseID{PhaseCharacters, PhaseSceneText})
	if len(groups) != 1 || groups[0].Name != "assets" {
		t.Errorf("assets group not formed: %+v", groups)
	}
}
