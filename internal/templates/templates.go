// Package templates holds the starter projects that can be mounted into an
// empty sandbox.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
)

//go:embed files
var filesFS embed.FS

// ErrUnknown is returned for a template id that is not registered.
var ErrUnknown = errors.New("unknown template")

// Default is mounted when a template is requested without an id.
const Default = "nextjs-app"

// Template describes a starter project.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var registry = []Template{
	{ID: "nextjs-app", Name: "Next.js 14 App Router", Description: "Next.js app with App Router, TypeScript and Tailwind CSS"},
	{ID: "react-vite", Name: "React + Vite SPA", Description: "React single-page app with Vite and TypeScript"},
	{ID: "express-api", Name: "Express.js API", Description: "REST API server with Express.js and TypeScript"},
	{ID: "ts-library", Name: "TypeScript Library", Description: "Starter for building TypeScript libraries"},
}

// List returns the registered templates in display order.
func List() []Template {
	out := make([]Template, len(registry))
	copy(out, registry)
	return out
}

// Get returns the template registered under id.
func Get(id string) (Template, bool) {
	for _, t := range registry {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// Files returns the template's files keyed by project-relative path.
func Files(id string) (map[string]string, error) {
	if id == "" {
		id = Default
	}
	if _, ok := Get(id); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, id)
	}
	root := path.Join("files", id)
	out := make(map[string]string)
	err := fs.WalkDir(filesFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := filesFS.ReadFile(p)
		if err != nil {
			return err
		}
		out[p[len(root)+1:]] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", id, err)
	}
	return out, nil
}
