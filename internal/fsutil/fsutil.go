package fsutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape marks any attempt to reference a path outside the served
// root: parent-directory traversal, NUL bytes, or symlinks whose target
// leaves the root. Handlers map it to 404 so probes cannot tell an escape
// attempt from a missing file.
var ErrPathEscape = errors.New("path escapes served root")

// Resolved is a validated absolute path guaranteed to lie under the served
// root, paired with the cleaned relative request path for diagnostics.
// Only Resolver.Resolve constructs these.
type Resolved struct {
	Abs string
	Rel string // slash-separated, "" means root
}

// Resolver maps untrusted relative paths into a confined root directory.
type Resolver struct {
	rootAbs        string // canonical absolute root
	followSymlinks bool
}

// NewResolver canonicalizes root (which must exist) and returns a Resolver.
// With followSymlinks false, symlinked components below root are never
// traversed; with true, they are followed only while the canonical target
// stays inside root.
func NewResolver(root string, followSymlinks bool) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Resolver{rootAbs: canon, followSymlinks: followSymlinks}, nil
}

// Root returns the canonical absolute root directory.
func (r *Resolver) Root() string { return r.rootAbs }

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Resolve validates rel against the root and returns the confined absolute
// path. The check is double: textual (no ".."/NUL, joined result prefixed
// by root) and canonical (symlinks resolved, result still prefixed by
// root). Anything that fails either check yields ErrPathEscape.
func (r *Resolver) Resolve(rel string) (Resolved, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	if strings.Contains(raw, "\x00") {
		return Resolved{}, ErrPathEscape
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return Resolved{}, ErrPathEscape
		}
	}

	clean := CleanRelPath(raw)
	abs, err := joinWithinRoot(r.rootAbs, clean)
	if err != nil {
		return Resolved{}, ErrPathEscape
	}

	if clean != "" {
		if err := r.checkSymlinks(clean, abs); err != nil {
			return Resolved{}, err
		}
	}
	return Resolved{Abs: abs, Rel: clean}, nil
}

// checkSymlinks performs the canonical half of the confinement check.
func (r *Resolver) checkSymlinks(rel, abs string) error {
	canon, err := evalDeepestExisting(abs)
	if err != nil {
		return err
	}
	if !isWithin(r.rootAbs, canon) {
		return ErrPathEscape
	}
	if r.followSymlinks {
		return nil
	}
	// Symlink components are rejected even when their target stays inside
	// the root.
	cur := r.rootAbs
	for _, seg := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if err != nil {
			break // rest of the path does not exist yet
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return ErrPathEscape
		}
	}
	return nil
}

// evalDeepestExisting canonicalizes p by resolving symlinks on the deepest
// existing ancestor and re-appending the not-yet-existing suffix. This lets
// Resolve validate destinations that will be created by an upload.
func evalDeepestExisting(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		canon, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(canon, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

func isWithin(rootAbs, abs string) bool {
	rootClean := filepath.Clean(rootAbs)
	absClean := filepath.Clean(abs)
	return absClean == rootClean ||
		strings.HasPrefix(absClean, rootClean+string(filepath.Separator))
}

func joinWithinRoot(rootAbs, rel string) (string, error) {
	if rel == "" {
		return rootAbs, nil
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if !isWithin(rootAbs, abs) {
		return "", ErrPathEscape
	}
	return abs, nil
}
