// Package sandbox decides whether a caller-supplied path may be touched by
// the file gateway.
//
// Lexical checks prove nothing about where a path really points, so every
// decision is made on the canonical, symlink-resolved form of the path (or
// of its nearest existing ancestor when the path does not exist yet) and
// compared against the canonical form of each allowed root.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
)

// maxLinkHops bounds how many dangling symlinks are followed while looking
// for the nearest existing ancestor.
const maxLinkHops = 40

const outsideMessage = "path is outside the allowed directories"

// Config lists the directories a sandbox admits.
type Config struct {
	// Home is the principal's home directory and the base for relative paths.
	Home string
	// TempDirs names the system temporary directory. Several names may point
	// at the same place; they are de-duplicated after resolution. Nil selects
	// os.TempDir() and /tmp.
	TempDirs []string
}

// Sandbox validates paths against the principal's home and temp directories.
type Sandbox struct {
	home     string
	tempDirs []string
}

// New constructs a Sandbox.
func New(cfg Config) (*Sandbox, error) {
	home := strings.TrimSpace(cfg.Home)
	if home == "" {
		return nil, fmt.Errorf("home directory is required")
	}
	if !filepath.IsAbs(home) {
		return nil, fmt.Errorf("home directory %q must be absolute", home)
	}
	tempDirs := cfg.TempDirs
	if tempDirs == nil {
		tempDirs = []string{os.TempDir(), "/tmp"}
	}
	return &Sandbox{home: filepath.Clean(home), tempDirs: tempDirs}, nil
}

// Home returns the configured home directory.
func (s *Sandbox) Home() string {
	return s.home
}

// Normalize turns raw into a clean absolute path. A leading "~" expands to
// the home directory and relative paths are taken relative to it. The
// result says nothing about whether the path is allowed.
func (s *Sandbox) Normalize(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", apperr.New(apperr.BadRequest, "path is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", apperr.New(apperr.BadRequest, "path contains a NUL byte")
	}
	switch {
	case p == "~":
		p = s.home
	case strings.HasPrefix(p, "~/"):
		p = filepath.Join(s.home, p[2:])
	case !filepath.IsAbs(p):
		p = filepath.Join(s.home, p)
	}
	return filepath.Clean(p), nil
}

// AllowedRoots returns the canonical form of every allowed root. Roots that
// cannot be resolved are omitted. The set is recomputed on every call so a
// root replaced by a symlink after start-up is judged by its current target.
func (s *Sandbox) AllowedRoots() []string {
	candidates := append([]string{s.home}, s.tempDirs...)
	roots := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		real, err := filepath.EvalSymlinks(c)
		if err != nil {
			continue
		}
		real = filepath.Clean(real)
		if _, dup := seen[real]; dup {
			continue
		}
		seen[real] = struct{}{}
		roots = append(roots, real)
	}
	return roots
}

// Validate checks that path, once symlinks are resolved, lies inside an
// allowed root and returns the resolved form that was tested. For a path
// that does not exist the nearest existing ancestor is tested instead.
//
// Every failure, including resolution errors such as permission denied, is
// reported as Forbidden. Validate never reports NotFound; callers check
// existence themselves after Validate succeeds.
func (s *Sandbox) Validate(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", apperr.New(apperr.Forbidden, outsideMessage)
	}
	real, err := resolveExisting(filepath.Clean(path), 0)
	if err != nil {
		return "", apperr.Wrap(apperr.Forbidden, outsideMessage, err)
	}
	for _, root := range s.AllowedRoots() {
		if within(real, root) {
			return real, nil
		}
	}
	return "", apperr.New(apperr.Forbidden, outsideMessage)
}

// Resolve normalizes raw and validates the result. It returns the
// normalized path, which is the one file operations should act on.
func (s *Sandbox) Resolve(raw string) (string, error) {
	p, err := s.Normalize(raw)
	if err != nil {
		return "", err
	}
	if _, err := s.Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

// IsRoot reports whether path resolves to one of the allowed roots itself.
func (s *Sandbox) IsRoot(path string) bool {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	real = filepath.Clean(real)
	for _, root := range s.AllowedRoots() {
		if real == root {
			return true
		}
	}
	return false
}

// resolveExisting returns the canonical path of p, or of its nearest
// existing ancestor. A dangling symlink met on the way up is followed to its
// target, since creating anything beneath it would land at the target.
func resolveExisting(p string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", fmt.Errorf("too many dangling symlinks resolving %q", p)
	}
	current := p
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(real), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", fmt.Errorf("resolve %q: %w", current, err)
		}
		if info, lerr := os.Lstat(current); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			target, rerr := os.Readlink(current)
			if rerr != nil {
				return "", fmt.Errorf("read link %q: %w", current, rerr)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			return resolveExisting(filepath.Clean(target), hops+1)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %q: %w", p, err)
		}
		current = parent
	}
}

// within reports whether path equals root or lies beneath it. The separator
// check keeps /home/al from admitting /home/alice.
func within(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
