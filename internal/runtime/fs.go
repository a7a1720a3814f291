package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Entry is one item returned by ListDir.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDirectory"`
}

// skipDirs are never walked by ReadAllFiles.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// CleanPath normalizes a project-relative path: leading separators are
// dropped, the result is slash-separated and may not leave the root. The
// project root itself is "".
func CleanPath(p string) (string, error) {
	p = strings.TrimLeft(filepath.ToSlash(p), "/")
	p = path.Clean(p)
	if p == "." {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	return p, nil
}

func (r *Runtime) resolve(ctx context.Context, p string) (string, string, error) {
	root, err := r.awaitRoot(ctx)
	if err != nil {
		return "", "", err
	}
	rel, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), rel, nil
}

// WriteFile replaces the file at p. The parent directory must exist.
func (r *Runtime) WriteFile(ctx context.Context, p, content string) error {
	full, rel, err := r.resolve(ctx, p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("%w: cannot write to project root", ErrInvalidPath)
	}
	if err := writeFileAtomic(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ReadFile returns the content of p. A missing file yields an error matching fs.ErrNotExist.
func (r *Runtime) ReadFile(ctx context.Context, p string) (string, error) {
	full, rel, err := r.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// Mkdir creates p and any missing parents.
func (r *Runtime) Mkdir(ctx context.Context, p string) error {
	full, rel, err := r.resolve(ctx, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return nil
}

// Remove deletes p recursively. Removing a missing path is not an error.
func (r *Runtime) Remove(ctx context.Context, p string) error {
	full, rel, err := r.resolve(ctx, p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("%w: cannot remove project root", ErrInvalidPath)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// ListDir returns the entries of directory p sorted by name.
func (r *Runtime) ListDir(ctx context.Context, p string) ([]Entry, error) {
	full, rel, err := r.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, Entry{Name: d.Name(), IsDir: d.IsDir()})
	}
	return entries, nil
}

// Mount writes a set of files (project-relative path to content), creating
// directories as needed.
func (r *Runtime) Mount(ctx context.Context, files map[string]string) error {
	root, err := r.awaitRoot(ctx)
	if err != nil {
		return err
	}
	return mountFiles(root, files)
}

// Empty reports whether the sandbox has no entries other than node_modules
// and .git.
func (r *Runtime) Empty(ctx context.Context) (bool, error) {
	root, err := r.awaitRoot(ctx)
	if err != nil {
		return false, err
	}
	return dirEmpty(root)
}

func dirEmpty(root string) (bool, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return false, err
	}
	for _, d := range dirents {
		if !skipDirs[d.Name()] {
			return false, nil
		}
	}
	return true, nil
}

func mountIfEmpty(root string, files map[string]string) error {
	empty, err := dirEmpty(root)
	if err != nil || !empty {
		return err
	}
	if err := mountFiles(root, files); err != nil {
		return fmt.Errorf("mount template: %w", err)
	}
	return nil
}

func mountFiles(root string, files map[string]string) error {
	for p, content := range files {
		rel, err := CleanPath(p)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", rel, err)
		}
		if err := writeFileAtomic(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// ReadAllFiles returns every readable text file in the sandbox keyed by its
// project-relative path. node_modules and .git are skipped, as are binary files.
func (r *Runtime) ReadAllFiles(ctx context.Context) (map[string]string, error) {
	root, err := r.awaitRoot(ctx)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	err = filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if full != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(full)
		if err != nil || !utf8.Valid(data) {
			return nil
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sandbox: %w", err)
	}
	return files, nil
}

// writeFileAtomic writes through a temp file in the same directory and renames it into place.
func writeFileAtomic(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return nil
}
