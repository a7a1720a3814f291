// Package workspace holds the IDE-side view of the project: the file tree,
// the open editor buffers and the runtime console.
package workspace

import "github.com/joescharf/forge/internal/models"

const contextConsoleErrors = 10

// Workspace groups the editor state shared by the API, the sync engine and
// the agent.
type Workspace struct {
	Tree    *Tree
	Buffers *Buffers
	Console *Console
}

// New returns a workspace whose tree is loaded from src.
func New(src Source) *Workspace {
	return &Workspace{
		Tree:    NewTree(src),
		Buffers: NewBuffers(),
		Console: NewConsole(),
	}
}

// ProjectContext describes the project for the generation service.
func (w *Workspace) ProjectContext() models.ProjectContext {
	return models.ProjectContext{
		FileStructure: w.Tree.Nodes(),
		OpenFiles:     w.Buffers.OpenPaths(),
		ConsoleErrors: w.Console.Errors(contextConsoleErrors),
	}
}

// FileContent returns the live content of p: an open buffer wins over the
// last tree snapshot.
func (w *Workspace) FileContent(p string) (string, bool) {
	if tab, ok := w.Buffers.Get(p); ok {
		return tab.Content, true
	}
	return w.Tree.Content(p)
}
