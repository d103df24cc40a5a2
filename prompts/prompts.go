// Package prompts provides the embedded briefing template written into every
// worker directory. The template is also written out to the project's
// prompts/ directory on `rolerelay init` so that users can customise it.
package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed briefing.md
var briefingMD []byte

// BriefingFile is the template name, both embedded and on disk.
const BriefingFile = "briefing.md"

// defaultFiles maps filename -> content for all embedded templates.
var defaultFiles = map[string][]byte{
	BriefingFile: briefingMD,
}

// Briefing is the data rendered into a worker's BRIEFING.md.
type Briefing struct {
	Project         string
	Role            string
	Phase           string
	SessionID       string
	Restart         int
	HandoffFile     string
	StatusFile      string
	ReadyFile       string
	Inbox           string
	Outbox          string
	Deliverables    []string
	SuccessCriteria []string
}

// ReadDefault returns the embedded content of the named template.
func ReadDefault(name string) ([]byte, error) {
	data, ok := defaultFiles[name]
	if !ok {
		return nil, fmt.Errorf("no embedded default prompt for %q", name)
	}
	return data, nil
}

// WriteDefaults writes all embedded templates into dir. Existing files are
// left alone so user customisations are preserved.
func WriteDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}

	for name, data := range defaultFiles {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write default prompt %s: %w", name, err)
		}
	}
	return nil
}

// Renderer renders briefings from a parsed template.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer loads dir/briefing.md if it exists, else the embedded default.
// An empty dir always uses the default.
func NewRenderer(dir string) (*Renderer, error) {
	src := briefingMD
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, BriefingFile))
		switch {
		case err == nil:
			src = data
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read briefing template: %w", err)
		}
	}
	tmpl, err := template.New(BriefingFile).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse briefing template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the template for b.
func (r *Renderer) Render(b Briefing) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, b); err != nil {
		return nil, fmt.Errorf("render briefing: %w", err)
	}
	return buf.Bytes(), nil
}
