// Package templates resolves template names to parsed templates. Two store
// shapes exist: a directory-backed store that discovers and compiles template
// files once at construction, and a layer-backed store that searches an
// ordered list of in-memory template sets. Both are immutable after
// construction and safe for concurrent resolution.
package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caremorph/go-fhirconv/pkg/render"
)

// DefaultExtension is the template file extension a directory store discovers
// when no override is given.
const DefaultExtension = ".liquid"

// ErrTemplateNotFound reports that a name resolved to no template in any
// layer or directory.
var ErrTemplateNotFound = errors.New("templates: template not found")

// Store resolves template names. All implementations in this package are
// read-only after construction.
type Store interface {
	render.Resolver

	// Names lists every resolvable template name in priority order,
	// duplicates removed.
	Names() []string
}

// DirectoryStore holds templates discovered under a root directory. Names
// derive from the path relative to the root, separators normalized to "/",
// extension stripped.
type DirectoryStore struct {
	root      string
	templates map[string]*render.Template
}

// NewDirectoryStore walks root, parses every template file, and fails on the
// first malformed one so broken templates surface at startup instead of
// mid-conversion.
func NewDirectoryStore(root string, opts ...DirectoryOption) (*DirectoryStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: root directory is required")
	}

	cfg := directoryConfig{extension: DefaultExtension}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	store := &DirectoryStore{
		root:      root,
		templates: make(map[string]*render.Template),
	}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), cfg.extension) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), cfg.extension)

		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("templates: read %s: %w", rel, err)
		}
		tpl, err := render.Parse(name, string(source))
		if err != nil {
			return err
		}
		store.templates[name] = tpl
		return nil
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

// DirectoryOption adjusts directory discovery.
type DirectoryOption func(*directoryConfig)

type directoryConfig struct {
	extension string
}

// WithExtension overrides the template file extension, dot optional.
func WithExtension(ext string) DirectoryOption {
	return func(cfg *directoryConfig) {
		trimmed := strings.TrimSpace(ext)
		if trimmed == "" {
			return
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		cfg.extension = trimmed
	}
}

// Resolve implements render.Resolver.
func (s *DirectoryStore) Resolve(name string) (*render.Template, error) {
	if name == "" {
		return nil, ErrTemplateNotFound
	}
	tpl, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return tpl, nil
}

// Names implements Store.
func (s *DirectoryStore) Names() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Root returns the directory the store was built from.
func (s *DirectoryStore) Root() string {
	return s.root
}

// LayeredStore searches an ordered sequence of name→template layers. The
// first layer containing a requested name wins; layers are never merged, so
// layer 0 is a deterministic override of everything behind it.
type LayeredStore struct {
	layers []map[string]*render.Template
}

// NewLayeredStore copies the supplied layers. Templates arrive already
// parsed; no validation happens beyond dropping nil entries.
func NewLayeredStore(layers ...map[string]*render.Template) *LayeredStore {
	store := &LayeredStore{layers: make([]map[string]*render.Template, 0, len(layers))}
	for _, layer := range layers {
		copied := make(map[string]*render.Template, len(layer))
		for name, tpl := range layer {
			if name == "" || tpl == nil {
				continue
			}
			copied[name] = tpl
		}
		store.layers = append(store.layers, copied)
	}
	return store
}

// Resolve implements render.Resolver.
func (s *LayeredStore) Resolve(name string) (*render.Template, error) {
	if name == "" {
		return nil, ErrTemplateNotFound
	}
	for _, layer := range s.layers {
		if tpl, ok := layer[name]; ok {
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
}

// Names implements Store.
func (s *LayeredStore) Names() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, layer := range s.layers {
		layerNames := make([]string, 0, len(layer))
		for name := range layer {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			layerNames = append(layerNames, name)
		}
		sort.Strings(layerNames)
		names = append(names, layerNames...)
	}
	return names
}
