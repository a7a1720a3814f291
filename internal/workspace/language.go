package workspace

import (
	"path"
	"strings"
)

var extensionLanguages = map[string]string{
	"ts":         "typescript",
	"tsx":        "typescript",
	"js":         "javascript",
	"jsx":        "javascript",
	"mjs":        "javascript",
	"cjs":        "javascript",
	"json":       "json",
	"css":        "css",
	"scss":       "scss",
	"html":       "html",
	"md":         "markdown",
	"mdx":        "markdown",
	"py":         "python",
	"rs":         "rust",
	"go":         "go",
	"java":       "java",
	"c":          "c",
	"h":          "c",
	"cpp":        "cpp",
	"hpp":        "cpp",
	"yaml":       "yaml",
	"yml":        "yaml",
	"xml":        "xml",
	"sql":        "sql",
	"sh":         "shell",
	"bash":       "shell",
	"zsh":        "shell",
	"txt":        "plaintext",
	"dockerfile": "dockerfile",
	"prisma":     "prisma",
	"graphql":    "graphql",
	"gql":        "graphql",
	"vue":        "vue",
	"svelte":     "svelte",
	"php":        "php",
	"rb":         "ruby",
	"swift":      "swift",
	"kt":         "kotlin",
}

// LanguageFromPath returns the editor language for a file path, or
// "plaintext" when the extension is unknown.
func LanguageFromPath(p string) string {
	name := path.Base(p)
	switch {
	case name == "Dockerfile":
		return "dockerfile"
	case name == ".env", strings.HasPrefix(name, ".env."), name == ".gitignore":
		return "plaintext"
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return "plaintext"
}
