package httpserver

import (
	"context"
	"net/http"
	"os"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/MahmoudG25/Local-Media-Server/internal/fsutil"
)

// davHandler mounts the served tree read-only under /dav/. Write methods
// are refused at the route (uploads must go through the approval flow) and
// the staging directory is invisible.
func (s *Server) davHandler() http.Handler {
	h := &webdav.Handler{
		Prefix: "/dav",
		FileSystem: davFS{
			dir:  webdav.Dir(s.resolver.Root()),
			hide: s.cfg.StagingDirName,
		},
		LockSystem: webdav.NewMemLS(),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
			h.ServeHTTP(w, r)
		default:
			http.Error(w, "read-only", http.StatusForbidden)
		}
	})
}

// davFS is a read-only view of the root with one name hidden.
type davFS struct {
	dir  webdav.Dir
	hide string
}

func (f davFS) hidden(name string) bool {
	clean := fsutil.CleanRelPath(name)
	return clean == f.hide || strings.HasPrefix(clean, f.hide+"/")
}

func (f davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

func (f davFS) RemoveAll(ctx context.Context, name string) error {
	return os.ErrPermission
}

func (f davFS) Rename(ctx context.Context, oldName, newName string) error {
	return os.ErrPermission
}

func (f davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if f.hidden(name) {
		return nil, os.ErrNotExist
	}
	return f.dir.Stat(ctx, name)
}

func (f davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if f.hidden(name) {
		return nil, os.ErrNotExist
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	file, err := f.dir.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return davFile{
		File:   file,
		hide:   f.hide,
		atRoot: fsutil.CleanRelPath(name) == "",
	}, nil
}

// davFile refuses writes and filters the hidden name out of root listings.
type davFile struct {
	webdav.File
	hide   string
	atRoot bool
}

func (f davFile) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (f davFile) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	if err != nil || !f.atRoot {
		return infos, err
	}
	out := infos[:0]
	for _, fi := range infos {
		if fi.Name() == f.hide {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}
