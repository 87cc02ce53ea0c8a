package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	xerrors "Chorus-Network/internal/errors"
)

// ParseYAML decodes a single pipeline definition.
func ParseYAML(data []byte) (*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, xerrors.Validation("invalid pipeline yaml: %v", err)
	}
	return &g, nil
}

// LoadFile reads a pipeline from a YAML file. The file name (without
// extension) becomes the id when the document does not set one.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	g, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(g.ID) == "" {
		g.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return g, nil
}

// Catalog holds validated pipelines by id.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*Graph)}
}

// Put validates g and stores it, replacing any pipeline with the same id.
// An empty id is filled with a uuid.
func (c *Catalog) Put(g *Graph) (*Graph, error) {
	if g == nil {
		return nil, xerrors.Validation("pipeline is required")
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	clone := g.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	c.mu.Lock()
	c.graphs[clone.ID] = clone
	c.mu.Unlock()
	return clone.Clone(), nil
}

// Get returns the pipeline with the given id.
func (c *Catalog) Get(id string) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[id]
	if !ok {
		return nil, xerrors.NotFound("pipeline %s not found", id)
	}
	return g.Clone(), nil
}

// List returns all pipelines sorted by id.
func (c *Catalog) List() []*Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Graph, 0, len(c.graphs))
	for _, g := range c.graphs {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir adds every *.yaml / *.yml file in dir. A missing directory is not an
// error. The first invalid file aborts loading.
func (c *Catalog) LoadDir(dir string) (int, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pipeline dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		g, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if _, err := c.Put(g); err != nil {
			return loaded, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		loaded++
	}
	return loaded, nil
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	out := *g
	out.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Position != nil {
			p := *n.Position
			n.Position = &p
		}
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), g.Edges...)
	return &out
}
