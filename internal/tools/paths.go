package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Write-root modes.
const (
	WriteRootProject   = "project"
	WriteRootWorkspace = "workspace"
)

// PathPolicy decides where tools may read and write. Symlinks are resolved
// before any containment check so a link inside an allowed root cannot reach
// outside it.
type PathPolicy struct {
	ProjectRoot   string
	WorkspaceRoot string
	Additional    []string // extra allow-listed roots

	// WriteRoot selects where relative paths of mutating tools land,
	// "project" or "workspace". Overridable via the WRITE_ROOT env var.
	WriteRoot string
}

func NewPathPolicy(projectRoot, workspaceRoot string, additional []string, writeRoot string) *PathPolicy {
	if env := os.Getenv("WRITE_ROOT"); env == WriteRootProject || env == WriteRootWorkspace {
		writeRoot = env
	}
	if writeRoot != WriteRootProject && writeRoot != WriteRootWorkspace {
		writeRoot = WriteRootProject
	}
	return &PathPolicy{
		ProjectRoot:   projectRoot,
		WorkspaceRoot: workspaceRoot,
		Additional:    additional,
		WriteRoot:     writeRoot,
	}
}

// ActiveWriteRoot returns the directory creation operations write under.
func (p *PathPolicy) ActiveWriteRoot() string {
	if p.WriteRoot == WriteRootWorkspace {
		return p.WorkspaceRoot
	}
	return p.ProjectRoot
}

// Resolve makes a path absolute (relative paths land under the active write
// root for mutating tools, the project root otherwise), resolves symlinks,
// and checks it against the scope's allowed roots.
func (p *PathPolicy) Resolve(path, scope string, mutating bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}

	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		base := p.ProjectRoot
		if mutating {
			base = p.ActiveWriteRoot()
		}
		abs = filepath.Join(base, abs)
	}

	real, err := resolveSymlinks(abs)
	if err != nil {
		return "", err
	}

	if scope == ScopeAny {
		return real, nil
	}

	for _, root := range p.allowedRoots(scope) {
		realRoot, err := resolveSymlinks(root)
		if err != nil {
			continue
		}
		if isPathInside(real, realRoot) {
			return real, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed roots", path)
}

func (p *PathPolicy) allowedRoots(scope string) []string {
	switch scope {
	case ScopeWorkspace:
		return []string{p.WorkspaceRoot}
	default:
		roots := []string{p.ProjectRoot, p.WorkspaceRoot}
		return append(roots, p.Additional...)
	}
}

// resolveSymlinks resolves the path, falling back to resolving the nearest
// existing parent for files that do not exist yet.
func resolveSymlinks(abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(abs))
	if parentErr != nil {
		if os.IsNotExist(parentErr) {
			// Deeply non-existent target; keep the cleaned path.
			return abs, nil
		}
		return "", parentErr
	}
	return filepath.Join(parentReal, filepath.Base(abs)), nil
}

func isPathInside(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
