// Package catalog loads the read-only application catalog: the set of
// deployable app definitions, each carrying a compose document, default
// environment, exposed ports, and minimum CPU/memory (spec.md §6.3).
//
// Grounded on internal/daemon/profiles.go's LoadProfiles: same directory
// scan, same multi-document YAML decode loop (so an operator can keep
// several catalog entries in one file, separated by `---`), same
// raw-YAML-preserved-alongside-parsed-struct shape. Also supports a single
// legacy file containing one or more documents, since spec.md §6.3 names
// both an "index" (per-app files) and "legacy single file" form and the
// directory scan already handles both: a legacy file is just a directory
// of one.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Port describes one port a catalog app's compose stack exposes.
type Port struct {
	Container int    `yaml:"container"`
	Protocol  string `yaml:"protocol"` // "tcp" or "udp", defaults to "tcp"
}

// App is one catalog entry: everything the deployment pipeline needs to
// materialize a compose stack for a new Application.
type App struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Family      string            `yaml:"family"`       // template family, e.g. "debian-12"
	Arch        string            `yaml:"architecture"` // e.g. "amd64"
	Compose     string            `yaml:"compose"`       // raw docker-compose.yml document
	Environment map[string]string `yaml:"environment"`
	Ports       []Port            `yaml:"ports"`
	MinCores    int               `yaml:"min_cores"`
	MinMemoryMB int               `yaml:"min_memory_mb"`
	Preinstalled bool             `yaml:"preinstalled_runtime"` // template already has the container runtime

	// RawYAML is the exact document this App was decoded from, preserved for
	// display/export the way internal/daemon/profiles.go keeps RawYAML.
	RawYAML string `yaml:"-"`
}

// PrimaryPort returns the first declared port, used as the default proxy
// target and the direct-access fallback port (spec.md §4.9 step 13).
func (a App) PrimaryPort() (Port, bool) {
	if len(a.Ports) == 0 {
		return Port{}, false
	}
	return a.Ports[0], true
}

// Catalog is the full set of loaded apps, keyed by id.
type Catalog struct {
	Apps map[string]App
}

// Get returns the named app, or an error if it is not in the catalog.
func (c Catalog) Get(id string) (App, error) {
	app, ok := c.Apps[id]
	if !ok {
		return App{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return app, nil
}

// ErrNotFound is returned by Get for an unknown catalog id.
var ErrNotFound = errors.New("catalog app not found")

// Load reads every YAML file directly under dir (the "index" form) or, if
// dir is itself a single file, that file alone (the "legacy" form). Both
// forms support multi-document YAML.
func Load(dir string) (Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Catalog{}, fmt.Errorf("stat catalog path %s: %w", dir, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Catalog{}, fmt.Errorf("read catalog dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isYAML(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	} else {
		files = []string{dir}
	}

	apps := make(map[string]App)
	for _, path := range files {
		if err := loadFile(path, apps); err != nil {
			return Catalog{}, err
		}
	}
	return Catalog{Apps: apps}, nil
}

func loadFile(path string, apps map[string]App) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	docIndex := 0
	for {
		var node yaml.Node
		err := decoder.Decode(&node)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("parse catalog file %s (document %d): %w", path, docIndex, err)
		}
		if node.Kind == 0 || (node.Kind == yaml.DocumentNode && len(node.Content) == 0) {
			return fmt.Errorf("catalog file %s (document %d) is empty", path, docIndex)
		}
		var app App
		if err := node.Decode(&app); err != nil {
			return fmt.Errorf("parse catalog file %s (document %d): %w", path, docIndex, err)
		}
		if app.ID == "" {
			return fmt.Errorf("catalog file %s (document %d) missing id", path, docIndex)
		}
		if _, exists := apps[app.ID]; exists {
			return fmt.Errorf("duplicate catalog app id %q in %s", app.ID, path)
		}
		rawYAML, err := renderYAML(&node)
		if err != nil {
			return fmt.Errorf("render catalog file %s (document %d): %w", path, docIndex, err)
		}
		app.RawYAML = rawYAML
		apps[app.ID] = app
		docIndex++
	}
	return nil
}

func renderYAML(node *yaml.Node) (string, error) {
	if node == nil {
		return "", nil
	}
	target := node
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		target = node.Content[0]
	}
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(target); err != nil {
		return "", err
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
