package mission

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

//go:embed templates/*.yaml
var bundled embed.FS

// Library holds the mission templates known to the process, keyed by thesis type
type Library struct {
	mu        sync.RWMutex
	templates map[ThesisType]*Template
}

// LoadError aggregates per-file failures of a directory load
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("mission templates failed to load: %s", strings.Join(e.Failures, "; "))
}

// NewLibrary returns a library populated with the bundled templates
func NewLibrary() (*Library, error) {
	l := &Library{templates: make(map[ThesisType]*Template)}
	entries, err := fs.ReadDir(bundled, "templates")
	if err != nil {
		return nil, fmt.Errorf("read bundled templates: %w", err)
	}
	for _, e := range entries {
		data, err := bundled.ReadFile(path.Join("templates", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read bundled template %s: %w", e.Name(), err)
		}
		if err := l.add(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("bundled template %s: %w", e.Name(), err)
		}
	}
	return l, nil
}

// LoadDirectory overrides or extends templates from YAML files under root
func (l *Library) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat template directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(p) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
			return nil
		}
		defer f.Close()
		if err := l.add(f); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
		}
		return nil
	}
	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk template directory %s: %w", root, err)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// Get returns the template for a thesis type
func (l *Library) Get(t ThesisType) (*Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.templates[t]
	return tpl, ok
}

// Lookup returns the template for t or a configuration error
func (l *Library) Lookup(t ThesisType) (*Template, error) {
	tpl, ok := l.Get(t)
	if !ok {
		return nil, taxonomy.Configuration("mission.lookup", "no mission template for thesis type %q", t)
	}
	return tpl, nil
}

// Types lists the registered thesis types in sorted order
func (l *Library) Types() []ThesisType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ThesisType, 0, len(l.templates))
	for t := range l.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Register adds or replaces a template after validation
func (l *Library) Register(tpl *Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.templates[tpl.Type] = tpl
	l.mu.Unlock()
	return nil
}

func (l *Library) add(r io.Reader) error {
	tpl, err := Decode(r)
	if err != nil {
		return err
	}
	return l.Register(tpl)
}

// Decode parses a single YAML template
func Decode(r io.Reader) (*Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		return nil, taxonomy.Wrap(fmt.Errorf("decode template: %w", err), taxonomy.KindConfiguration, "mission.decode")
	}
	if tpl.Type == "" {
		return nil, taxonomy.Configuration("mission.decode", "template %q has no type", tpl.Name)
	}
	return &tpl, nil
}

func isYAML(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}
