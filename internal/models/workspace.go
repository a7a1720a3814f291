package models

// NodeType distinguishes files from directories in the file tree.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry of the project file tree.
type FileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     NodeType    `json:"type"`
	Language string      `json:"language,omitempty"`
	Children []*FileNode `json:"children,omitempty"`
}

// ProjectContext is the view of the project sent with analyze and plan requests.
type ProjectContext struct {
	FileStructure []*FileNode `json:"fileStructure"`
	OpenFiles     []string    `json:"openFiles"`
	ConsoleErrors []string    `json:"consoleErrors"`
}
