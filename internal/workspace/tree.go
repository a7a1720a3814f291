package workspace

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/forge/internal/models"
)

// Source lists every text file of the project.
type Source interface {
	ReadAllFiles(ctx context.Context) (map[string]string, error)
}

// Tree is an in-memory snapshot of the project files, refreshed from the
// runtime after structural changes.
type Tree struct {
	src     Source
	refresh singleflight.Group

	mu    sync.RWMutex
	files map[string]string
}

// NewTree returns an empty tree backed by src.
func NewTree(src Source) *Tree {
	return &Tree{src: src, files: make(map[string]string)}
}

// Refresh reloads the snapshot. Concurrent calls share one reload.
func (t *Tree) Refresh(ctx context.Context) error {
	_, err, _ := t.refresh.Do("refresh", func() (any, error) {
		files, err := t.src.ReadAllFiles(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.files = files
		t.mu.Unlock()
		return nil, nil
	})
	return err
}

// Content returns the content of the file at p as of the last refresh.
func (t *Tree) Content(p string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.files[strings.TrimPrefix(p, "/")]
	return c, ok
}

// Paths returns every file path, sorted.
func (t *Tree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of files.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// Search returns the paths whose file name contains term, case-insensitively.
func (t *Tree) Search(term string) []string {
	term = strings.ToLower(term)
	var out []string
	for _, p := range t.Paths() {
		name := p[strings.LastIndex(p, "/")+1:]
		if strings.Contains(strings.ToLower(name), term) {
			out = append(out, p)
		}
	}
	return out
}

// Nodes builds the hierarchical file tree. Directories sort before files and
// siblings sort by name.
func (t *Tree) Nodes() []*models.FileNode {
	root := &models.FileNode{Type: models.NodeDirectory}
	dirs := map[string]*models.FileNode{"": root}

	var dirFor func(p string) *models.FileNode
	dirFor = func(p string) *models.FileNode {
		if d, ok := dirs[p]; ok {
			return d
		}
		parent, name := "", p
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parent, name = p[:i], p[i+1:]
		}
		d := &models.FileNode{Name: name, Path: p, Type: models.NodeDirectory}
		dirs[p] = d
		pd := dirFor(parent)
		pd.Children = append(pd.Children, d)
		return d
	}

	for _, p := range t.Paths() {
		parent, name := "", p
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parent, name = p[:i], p[i+1:]
		}
		d := dirFor(parent)
		d.Children = append(d.Children, &models.FileNode{
			Name:     name,
			Path:     p,
			Type:     models.NodeFile,
			Language: LanguageFromPath(p),
		})
	}
	sortNodes(root.Children)
	return root.Children
}

func sortNodes(nodes []*models.FileNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == models.NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortNodes(n.Children)
		}
	}
}
