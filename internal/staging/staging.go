// Package staging quarantines uploaded files under an isolated
// subdirectory of the served root until an operator approves or rejects
// them. The pending set is the only shared mutable state in the server and
// is owned entirely by Manager.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MahmoudG25/Local-Media-Server/internal/approval"
	"github.com/MahmoudG25/Local-Media-Server/internal/fsutil"
)

// ErrUnknownUpload is returned by Finalize for an identifier that was
// never issued or has already been resolved. Concurrent decisions on the
// same upload are a benign race: exactly one caller wins, the rest get
// this error.
var ErrUnknownUpload = errors.New("unknown or already resolved upload")

// Status of a pending upload record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decision is the operator's verdict on a pending upload.
type Decision int

const (
	Approve Decision = iota + 1
	Reject
)

// PendingUpload tracks one staged file awaiting a decision.
type PendingUpload struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`    // sanitized file name inside staging
	DestRel    string    `json:"dest"`    // target directory, relative to root
	StagedPath string    `json:"-"`       // absolute path of the staged file
	Size       int64     `json:"size"`
	ClientAddr string    `json:"clientAddr"`
	Uploaded   time.Time `json:"uploaded"`
	Status     Status    `json:"status"`
}

// Manager owns the staging directory and the pending-upload set.
type Manager struct {
	resolver   *fsutil.Resolver
	stagingRel string // staging dir name under root
	stagingAbs string
	queue      *approval.Queue

	mu      sync.Mutex
	pending map[string]*PendingUpload
}

// NewManager creates the staging directory, re-adopts any staged files
// left over from a previous run as pending records, and removes stale
// partial writes.
func NewManager(resolver *fsutil.Resolver, stagingDirName string, queue *approval.Queue) (*Manager, error) {
	stagingDirName = fsutil.CleanRelPath(stagingDirName)
	if stagingDirName == "" || strings.Contains(stagingDirName, "/") {
		return nil, fmt.Errorf("invalid staging dir name %q", stagingDirName)
	}
	abs := filepath.Join(resolver.Root(), stagingDirName)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		resolver:   resolver,
		stagingRel: stagingDirName,
		stagingAbs: abs,
		queue:      queue,
		pending:    map[string]*PendingUpload{},
	}
	if err := m.adoptOrphans(); err != nil {
		return nil, err
	}
	return m, nil
}

// StagingDirName returns the staging directory's name under the root.
func (m *Manager) StagingDirName() string { return m.stagingRel }

// Accept writes payload to the staging area and registers a pending
// record. destRel is the directory (relative to root) the file is destined
// for once approved; it is validated now so a hostile destination fails
// before any bytes land on disk. A context cancellation mid-copy removes
// the partial file.
func (m *Manager) Accept(ctx context.Context, destRel, filename string, payload io.Reader, clientAddr string) (*PendingUpload, error) {
	res, err := m.resolver.Resolve(destRel)
	if err != nil {
		return nil, err
	}
	destRel = res.Rel
	if destRel == m.stagingRel || strings.HasPrefix(destRel, m.stagingRel+"/") {
		return nil, fsutil.ErrPathEscape
	}
	name := sanitizeFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("unusable filename %q", filename)
	}

	stagedDir := filepath.Join(m.stagingAbs, filepath.FromSlash(destRel))
	if err := os.MkdirAll(stagedDir, 0o755); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	part := filepath.Join(stagedDir, id+".part")
	size, err := writePart(ctx, part, payload)
	if err != nil {
		_ = os.Remove(part)
		return nil, err
	}

	m.mu.Lock()
	staged, err := claimUnique(stagedDir, name)
	if err != nil {
		m.mu.Unlock()
		_ = os.Remove(part)
		return nil, err
	}
	if err := os.Rename(part, staged); err != nil {
		m.mu.Unlock()
		_ = os.Remove(part)
		_ = os.Remove(staged)
		return nil, err
	}
	p := &PendingUpload{
		ID:         id,
		Name:       filepath.Base(staged),
		DestRel:    destRel,
		StagedPath: staged,
		Size:       size,
		ClientAddr: clientAddr,
		Uploaded:   time.Now(),
		Status:     StatusPending,
	}
	m.pending[id] = p
	cp := *p
	m.mu.Unlock()

	m.queue.Publish(notice(cp))
	return &cp, nil
}

// Finalize resolves a pending upload. Approve moves the staged file into
// the catalog tree (destination re-validated through the path resolver);
// Reject deletes it. At most one Finalize succeeds per identifier: the
// record is claimed out of the pending set before any filesystem work. An
// IO failure during approve puts the record back so the operator can retry.
func (m *Manager) Finalize(id string, d Decision) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownUpload
	}
	delete(m.pending, id)
	m.mu.Unlock()

	switch d {
	case Reject:
		if err := os.Remove(p.StagedPath); err != nil && !os.IsNotExist(err) {
			m.restore(p)
			return err
		}
		p.Status = StatusRejected
		return nil
	case Approve:
		if err := m.promote(p); err != nil {
			m.restore(p)
			return err
		}
		p.Status = StatusApproved
		return nil
	default:
		m.restore(p)
		return fmt.Errorf("unknown decision %d", d)
	}
}

// promote moves the staged file into <root>/<destRel>/, renaming on
// collision.
func (m *Manager) promote(p *PendingUpload) error {
	dest, err := m.resolver.Resolve(joinRel(p.DestRel, p.Name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest.Abs), 0o755); err != nil {
		return err
	}
	m.mu.Lock()
	final, err := claimUnique(filepath.Dir(dest.Abs), filepath.Base(dest.Abs))
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := moveFile(p.StagedPath, final); err != nil {
		_ = os.Remove(final)
		return err
	}
	return nil
}

func (m *Manager) restore(p *PendingUpload) {
	m.mu.Lock()
	p.Status = StatusPending
	m.pending[p.ID] = p
	m.mu.Unlock()
}

// Get returns a copy of the pending record for id.
func (m *Manager) Get(id string) (PendingUpload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return PendingUpload{}, false
	}
	return *p, true
}

// Pending returns copies of all unresolved uploads, newest first.
func (m *Manager) Pending() []PendingUpload {
	m.mu.Lock()
	out := make([]PendingUpload, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Uploaded.Equal(out[j].Uploaded) {
			return out[i].Uploaded.After(out[j].Uploaded)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// adoptOrphans registers staged files from a previous process lifetime as
// fresh pending records and clears abandoned partial writes.
func (m *Manager) adoptOrphans() error {
	adopted := make([]PendingUpload, 0, 8)
	err := filepath.WalkDir(m.stagingAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".part") {
			_ = os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		relDir, err := filepath.Rel(m.stagingAbs, filepath.Dir(path))
		if err != nil {
			return nil
		}
		p := &PendingUpload{
			ID:         uuid.NewString(),
			Name:       d.Name(),
			DestRel:    fsutil.CleanRelPath(filepath.ToSlash(relDir)),
			StagedPath: path,
			Size:       info.Size(),
			Uploaded:   info.ModTime(),
			Status:     StatusPending,
		}
		m.pending[p.ID] = p
		adopted = append(adopted, *p)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(adopted, func(i, j int) bool { return adopted[i].Uploaded.Before(adopted[j].Uploaded) })
	for _, p := range adopted {
		m.queue.Publish(notice(p))
	}
	return nil
}

func notice(p PendingUpload) approval.Notice {
	return approval.Notice{
		ID:         p.ID,
		Name:       p.Name,
		DestRel:    p.DestRel,
		Size:       p.Size,
		ClientAddr: p.ClientAddr,
		Uploaded:   p.Uploaded,
	}
}

// writePart streams payload to path, honoring ctx between chunks.
func writePart(ctx context.Context, path string, payload io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	buf := make([]byte, 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rn, rerr := payload.Read(buf)
		if rn > 0 {
			wn, werr := f.Write(buf[:rn])
			n += int64(wn)
			if werr != nil {
				return n, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return n, rerr
		}
	}
	if err := f.Sync(); err != nil {
		return n, err
	}
	return n, f.Close()
}

// claimUnique reserves a non-colliding file name in dir, creating an empty
// placeholder with O_EXCL so concurrent claims cannot pick the same name.
// Collisions rename as "name_1.ext", "name_2.ext", ...
func claimUnique(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		cand := name
		if i > 0 {
			cand = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		p := filepath.Join(dir, cand)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			_ = f.Close()
			return p, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
}

// moveFile renames src over dst, falling back to copy+fsync across
// devices.
func moveFile(src, dst string) error {
	_ = os.Remove(dst) // placeholder from claimUnique
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// sanitizeFilename reduces an untrusted upload filename to a bare safe
// base name, or "" when nothing usable remains.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.Trim(name, ". ")
	if name == "" || name == "/" || strings.HasSuffix(name, ".part") {
		return ""
	}
	return name
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
