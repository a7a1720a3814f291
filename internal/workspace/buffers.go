package workspace

import (
	"path"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Tab is an open editor buffer.
type Tab struct {
	ID              string `json:"id"`
	Path            string `json:"filePath"`
	Name            string `json:"fileName"`
	Content         string `json:"content"`
	OriginalContent string `json:"originalContent"`
	Language        string `json:"language"`
	Dirty           bool   `json:"isDirty"`
}

// Buffers holds the open editor tabs in display order.
type Buffers struct {
	mu     sync.Mutex
	tabs   []*Tab
	active string
}

// NewBuffers returns an editor with no open tabs.
func NewBuffers() *Buffers {
	return &Buffers{}
}

// Open opens p with content and makes it active. An already open path is
// only activated.
func (b *Buffers) Open(p, content string) Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.index(p); i >= 0 {
		b.active = p
		return *b.tabs[i]
	}
	tab := &Tab{
		ID:              ulid.Make().String(),
		Path:            p,
		Name:            path.Base(p),
		Content:         content,
		OriginalContent: content,
		Language:        LanguageFromPath(p),
	}
	b.tabs = append(b.tabs, tab)
	b.active = p
	return *tab
}

// Update records an edit. The tab is dirty while its content differs from
// what was last saved.
func (b *Buffers) Update(p, content string) (Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(p)
	if i < 0 {
		return Tab{}, false
	}
	t := b.tabs[i]
	t.Content = content
	t.Dirty = content != t.OriginalContent
	return *t, true
}

// Save marks the tab's current content as saved.
func (b *Buffers) Save(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(p)
	if i < 0 {
		return false
	}
	b.tabs[i].OriginalContent = b.tabs[i].Content
	b.tabs[i].Dirty = false
	return true
}

// SetContent replaces the buffer of an open tab with content the runtime
// holds, leaving it clean. It reports whether p was open.
func (b *Buffers) SetContent(p, content string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(p)
	if i < 0 {
		return false
	}
	t := b.tabs[i]
	t.Content = content
	t.OriginalContent = content
	t.Dirty = false
	return true
}

// Rename retargets the tab for oldPath.
func (b *Buffers) Rename(oldPath, newPath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(oldPath)
	if i < 0 {
		return false
	}
	t := b.tabs[i]
	t.Path = newPath
	t.Name = path.Base(newPath)
	t.Language = LanguageFromPath(newPath)
	if b.active == oldPath {
		b.active = newPath
	}
	return true
}

// Close closes the tab for p. Closing the active tab activates its right
// neighbour, or the new last tab.
func (b *Buffers) Close(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(p)
	if i < 0 {
		return false
	}
	b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
	if b.active == p {
		b.active = ""
		if len(b.tabs) > 0 {
			b.active = b.tabs[min(i, len(b.tabs)-1)].Path
		}
	}
	return true
}

// Get returns the tab for p.
func (b *Buffers) Get(p string) (Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(p)
	if i < 0 {
		return Tab{}, false
	}
	return *b.tabs[i], true
}

// Active returns the active tab.
func (b *Buffers) Active() (Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(b.active)
	if i < 0 {
		return Tab{}, false
	}
	return *b.tabs[i], true
}

// Tabs returns the open tabs in order.
func (b *Buffers) Tabs() []Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Tab, len(b.tabs))
	for i, t := range b.tabs {
		out[i] = *t
	}
	return out
}

// OpenPaths returns the paths of the open tabs in order.
func (b *Buffers) OpenPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.tabs))
	for i, t := range b.tabs {
		out[i] = t.Path
	}
	return out
}

func (b *Buffers) index(p string) int {
	if p == "" {
		return -1
	}
	for i, t := range b.tabs {
		if t.Path == p {
			return i
		}
	}
	return -1
}
