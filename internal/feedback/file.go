package feedback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// FileProvider exchanges feedback through files in a directory. For each
// checkpoint it writes phase-<id>.preview.yaml and waits for a reviewer to
// create phase-<id>.yaml holding an Adjustment. A consumed response is
// renamed to phase-<id>.applied.yaml.
type FileProvider struct {
	dir    string
	logger *logging.Logger
}

// NewFileProvider creates the directory if needed.
func NewFileProvider(dir string, logger *logging.Logger) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}
	return &FileProvider{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Dir returns the watched directory.
func (p *FileProvider) Dir() string { return p.dir }

// ResponsePath returns the file a reviewer writes for a phase.
func (p *FileProvider) ResponsePath(id plan.PhaseID) string {
	return filepath.Join(p.dir, fmt.Sprintf("phase-%d.yaml", id))
}

// PreviewPath returns the file holding the output under review.
func (p *FileProvider) PreviewPath(id plan.PhaseID) string {
	return filepath.Join(p.dir, fmt.Sprintf("phase-%d.preview.yaml", id))
}

func (p *FileProvider) appliedPath(id plan.PhaseID) string {
	return filepath.Join(p.dir, fmt.Sprintf("phase-%d.applied.yaml", id))
}

// AwaitFeedback implements Provider.
func (p *FileProvider) AwaitFeedback(ctx context.Context, id plan.PhaseID, preview agent.Output) (*Adjustment, error) {
	// Watch before looking for an existing file so a response written in
	// between is not missed.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(p.dir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", p.dir, err)
	}

	if err := p.writePreview(id, preview); err != nil {
		return nil, err
	}

	target := p.ResponsePath(id)
	if adj, ok := p.consume(id); ok {
		return adj, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Editors may write in several steps; an unparsable file is
			// retried on the next event.
			if adj, ok := p.consume(id); ok {
				return adj, nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			p.logger.Warn("feedback watcher error", "error", err)
		}
	}
}

func (p *FileProvider) writePreview(id plan.PhaseID, preview agent.Output) error {
	data, err := yaml.Marshal(map[string]any{
		"phase_id": int(id),
		"output":   map[string]any(preview),
	})
	if err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	if err := os.WriteFile(p.PreviewPath(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write preview: %w", err)
	}
	return nil
}

// consume reads and parses the response for id. It reports false when the
// file is missing or not yet valid.
func (p *FileProvider) consume(id plan.PhaseID) (*Adjustment, bool) {
	path := p.ResponsePath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	adj := &Adjustment{}
	if err := yaml.Unmarshal(data, adj); err != nil {
		p.logger.Debug("feedback file not parsable yet", "path", path, "error", err)
		return nil, false
	}
	if err := os.Rename(path, p.appliedPath(id)); err != nil {
		p.logger.Warn("failed to archive feedback file", "path", path, "error", err)
	}
	return adj, true
}
