// Package files serves sandboxed filesystem operations: listing, reading,
// creating, writing and deleting paths under the allowed roots.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/metrics"
	"github.com/JakeFAU/hpc-gateway/internal/sandbox"
)

// Default size limits.
const (
	DefaultMaxReadBytes  int64 = 10 << 20
	DefaultMaxWriteBytes int64 = 50 << 20
)

const sniffLen = 512

const maxWriteLinkHops = 16

// Entry describes one filesystem object.
type Entry struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	IsDirectory bool      `json:"is_directory"`
	Size        *int64    `json:"size"`
	Mode        string    `json:"mode"`
	Owner       string    `json:"owner"`
	Group       string    `json:"group"`
	ModifiedAt  time.Time `json:"mtime"`
}

// Content is an open file ready to be streamed. The caller closes it.
type Content struct {
	io.ReadCloser
	Path        string
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Config bounds file transfers. Zero values select the defaults.
type Config struct {
	MaxReadBytes  int64
	MaxWriteBytes int64
}

// Gateway performs file operations inside a sandbox.
type Gateway struct {
	sandbox  *sandbox.Sandbox
	maxRead  int64
	maxWrite int64
	logger   *zap.Logger
}

// NewGateway wires a Gateway.
func NewGateway(sb *sandbox.Sandbox, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if sb == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		sandbox:  sb,
		maxRead:  cfg.MaxReadBytes,
		maxWrite: cfg.MaxWriteBytes,
		logger:   logger.Named("files"),
	}
	if g.maxRead <= 0 {
		g.maxRead = DefaultMaxReadBytes
	}
	if g.maxWrite <= 0 {
		g.maxWrite = DefaultMaxWriteBytes
	}
	return g, nil
}

// MaxWriteBytes is the largest body Write accepts.
func (g *Gateway) MaxWriteBytes() int64 {
	return g.maxWrite
}

// List returns the readable children of a directory, directories first and
// then by case-insensitive name. For a file it returns the file itself.
func (g *Gateway) List(raw string) ([]Entry, error) {
	path, err := g.sandbox.Resolve(raw)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.FromFS(err, "cannot access "+path)
	}
	names := newNameCache()
	if !info.IsDir() {
		return []Entry{newEntry(path, info, names)}, nil
	}

	children, err := os.ReadDir(path)
	if err != nil {
		return nil, apperr.FromFS(err, "cannot read directory "+path)
	}
	entries := make([]Entry, 0, len(children))
	for _, child := range children {
		childPath := filepath.Join(path, child.Name())
		if _, err := g.sandbox.Validate(childPath); err != nil {
			continue
		}
		childInfo, err := os.Stat(childPath)
		if err != nil || !readable(childPath) {
			continue
		}
		entries = append(entries, newEntry(childPath, childInfo, names))
	}
	sortEntries(entries)
	return entries, nil
}

// Read opens a regular file for streaming. Directories and files larger
// than the read limit are rejected before any content is read.
func (g *Gateway) Read(raw string) (*Content, error) {
	path, err := g.sandbox.Resolve(raw)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.FromFS(err, "cannot access "+path)
	}
	if info.IsDir() {
		return nil, apperr.Newf(apperr.BadRequest, "%s is a directory", path)
	}
	if info.Size() > g.maxRead {
		return nil, apperr.Newf(apperr.BadRequest,
			"%s is %d bytes, larger than the %d byte read limit", path, info.Size(), g.maxRead)
	}
	// #nosec G304 -- path has been validated by the sandbox.
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.FromFS(err, "cannot open "+path)
	}
	contentType, err := detectContentType(f, path)
	if err != nil {
		_ = f.Close()
		return nil, apperr.FromFS(err, "cannot read "+path)
	}
	return &Content{
		ReadCloser:  f,
		Path:        path,
		Size:        info.Size(),
		ContentType: contentType,
		ModifiedAt:  info.ModTime(),
	}, nil
}

// Create makes an empty directory, or an empty file when dir is false.
// Missing parents are created. An existing path is rejected.
func (g *Gateway) Create(raw string, dir bool) (Entry, error) {
	path, err := g.sandbox.Resolve(raw)
	if err != nil {
		return Entry{}, err
	}
	if _, err := os.Lstat(path); err == nil {
		return Entry{}, apperr.Newf(apperr.BadRequest, "%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Entry{}, createError(err, "cannot create parent directories for "+path, path)
	}
	if dir {
		if err := os.Mkdir(path, 0o755); err != nil {
			return Entry{}, createError(err, "cannot create directory "+path, path)
		}
	} else {
		// #nosec G304 -- path has been validated by the sandbox.
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return Entry{}, createError(err, "cannot create file "+path, path)
		}
		if err := f.Close(); err != nil {
			return Entry{}, apperr.FromFS(err, "cannot create file "+path)
		}
	}
	g.logger.Info("path created", zap.String("path", path), zap.Bool("directory", dir))
	return g.stat(path)
}

// Write replaces the file at raw with the bytes from body. declared is the
// announced length, or -1 when unknown; a declared length above the limit
// is rejected before body is touched. The new content lands in a temporary
// sibling first, so a failed upload leaves any existing file intact. A
// symlink is written through: its target gets the content and the link
// stays in place.
func (g *Gateway) Write(raw string, body io.Reader, declared int64) (Entry, error) {
	if declared > g.maxWrite {
		return Entry{}, g.tooLarge()
	}
	path, err := g.sandbox.Resolve(raw)
	if err != nil {
		return Entry{}, err
	}
	target, err := g.writeTarget(path)
	if err != nil {
		return Entry{}, err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		if info.IsDir() {
			return Entry{}, apperr.Newf(apperr.BadRequest, "%s is a directory", path)
		}
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, createError(err, "cannot create parent directories for "+path, path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".upload-*")
	if err != nil {
		return Entry{}, apperr.FromFS(err, "cannot write "+path)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			g.logger.Warn("remove temp upload failed", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(body, g.maxWrite+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return Entry{}, g.tooLarge()
		}
		return Entry{}, apperr.FromFS(err, "cannot write "+path)
	}
	if n > g.maxWrite {
		return Entry{}, g.tooLarge()
	}
	if err := tmp.Chmod(mode); err != nil {
		return Entry{}, apperr.FromFS(err, "cannot write "+path)
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, apperr.FromFS(err, "cannot write "+path)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Entry{}, apperr.FromFS(err, "cannot write "+path)
	}
	committed = true
	metrics.AddFileBytes("write", n)
	g.logger.Info("file written", zap.String("path", path), zap.String("target", target), zap.Int64("bytes", n))
	return g.stat(path)
}

// writeTarget follows path through any chain of symlinks to the file a
// write should replace. The final target may not exist yet.
func (g *Gateway) writeTarget(path string) (string, error) {
	target := path
	for hops := 0; ; hops++ {
		info, err := os.Lstat(target)
		if err != nil || info.Mode()&fs.ModeSymlink == 0 {
			break
		}
		if hops == maxWriteLinkHops {
			return "", apperr.Newf(apperr.BadRequest, "too many symlinks resolving %s", path)
		}
		link, err := os.Readlink(target)
		if err != nil {
			return "", apperr.FromFS(err, "cannot read link "+target)
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(target), link)
		}
		target = filepath.Clean(link)
	}
	if target == path {
		return path, nil
	}
	if _, err := g.sandbox.Validate(target); err != nil {
		return "", err
	}
	return target, nil
}

// createError classifies a failure to create path. A parent that is a
// regular file is a bad request rather than a missing path.
func createError(err error, msg, path string) error {
	if errors.Is(err, syscall.ENOTDIR) {
		return apperr.Wrap(apperr.BadRequest, "a parent of "+path+" is not a directory", err)
	}
	return apperr.FromFS(err, msg)
}

// Delete removes a file or directory. Non-empty directories need recursive.
// The allowed roots themselves can never be deleted.
func (g *Gateway) Delete(raw string, recursive bool) error {
	path, err := g.sandbox.Resolve(raw)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return apperr.FromFS(err, "cannot access "+path)
	}
	// Removing a symlink only unlinks it, even when it points at a root.
	if info.Mode()&fs.ModeSymlink == 0 && g.sandbox.IsRoot(path) {
		return apperr.Newf(apperr.Forbidden, "%s is a protected directory", path)
	}
	if info.IsDir() && recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		if info.IsDir() && !recursive && (errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, fs.ErrExist)) {
			return apperr.Newf(apperr.BadRequest, "directory %s is not empty; pass recursive=true", path)
		}
		return apperr.FromFS(err, "cannot delete "+path)
	}
	g.logger.Info("path deleted", zap.String("path", path), zap.Bool("recursive", recursive))
	return nil
}

func (g *Gateway) stat(path string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, apperr.FromFS(err, "cannot access "+path)
	}
	return newEntry(path, info, newNameCache()), nil
}

func (g *Gateway) tooLarge() error {
	return apperr.Newf(apperr.PayloadTooLarge, "request body exceeds the %d byte write limit", g.maxWrite)
}

func newEntry(path string, info fs.FileInfo, names *nameCache) Entry {
	owner, group := names.ownership(info)
	e := Entry{
		Path:        path,
		Name:        filepath.Base(path),
		IsDirectory: info.IsDir(),
		Mode:        fmt.Sprintf("%04o", info.Mode().Perm()),
		Owner:       owner,
		Group:       group,
		ModifiedAt:  info.ModTime().UTC(),
	}
	if !info.IsDir() {
		size := info.Size()
		e.Size = &size
	}
	return e
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// detectContentType maps the extension to a MIME type and falls back to
// sniffing the first bytes. f is rewound afterwards.
func detectContentType(f *os.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
