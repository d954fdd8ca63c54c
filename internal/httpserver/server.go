package httpserver

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/MahmoudG25/Local-Media-Server/internal/approval"
	"github.com/MahmoudG25/Local-Media-Server/internal/auth"
	"github.com/MahmoudG25/Local-Media-Server/internal/catalog"
	"github.com/MahmoudG25/Local-Media-Server/internal/config"
	"github.com/MahmoudG25/Local-Media-Server/internal/fsutil"
	"github.com/MahmoudG25/Local-Media-Server/internal/httprange"
	"github.com/MahmoudG25/Local-Media-Server/internal/staging"
)

type Options struct {
	Config config.Config
}

type Server struct {
	cfg      config.Config
	gate     auth.Gate
	resolver *fsutil.Resolver
	catalog  *catalog.Catalog
	uploads  *staging.Manager
	queue    *approval.Queue
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()

	resolver, err := fsutil.NewResolver(cfg.Root, cfg.FollowSymlinks)
	if err != nil {
		return nil, err
	}
	queue := approval.NewQueue(approval.DefaultCapacity)
	uploads, err := staging.NewManager(resolver, cfg.StagingDirName, queue)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		gate:     auth.Gate{PasswordBcrypt: cfg.PasswordBcrypt, Realm: "media"},
		resolver: resolver,
		catalog:  catalog.New(resolver, cfg.StagingDirName),
		uploads:  uploads,
		queue:    queue,
	}, nil
}

// Approvals exposes the pending-upload notification queue for the
// operator-facing consumer.
func (s *Server) Approvals() *approval.Queue { return s.queue }

// Uploads exposes the staging manager so an operator surface can list and
// finalize pending uploads directly.
func (s *Server) Uploads() *staging.Manager { return s.uploads }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("/browse/", s.gate.Require(auth.Read, http.HandlerFunc(s.handleBrowse)))
	mux.Handle("/download/", s.gate.Require(auth.Read, http.HandlerFunc(s.handleDownload)))
	mux.Handle("/stream/", s.gate.Require(auth.Read, http.HandlerFunc(s.handleStream)))
	mux.Handle("/thumb", s.gate.Require(auth.Read, http.HandlerFunc(s.handleThumb)))

	mux.Handle("/upload", s.gate.Require(auth.Mutate, http.HandlerFunc(s.handleUpload)))

	mux.Handle("/admin/approve/", s.gate.Require(auth.Admin, http.HandlerFunc(s.handleApprove)))
	mux.Handle("/admin/reject/", s.gate.Require(auth.Admin, http.HandlerFunc(s.handleReject)))
	mux.Handle("/admin/files/", s.gate.Require(auth.Admin, http.HandlerFunc(s.handleAdminDelete)))

	// read-only WebDAV over the served tree, staging hidden
	mux.Handle("/dav/", s.gate.Require(auth.Read, s.davHandler()))

	return mux
}

// resolveRequest maps a route-relative path to a confined filesystem path.
// Escape attempts and paths inside the staging area both come back as
// (zero, false) after writing a 404, indistinguishable from a missing
// file.
func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request, prefix string) (fsutil.Resolved, bool) {
	rel := strings.TrimPrefix(r.URL.Path, prefix)
	res, err := s.resolver.Resolve(rel)
	if err != nil {
		if errors.Is(err, fsutil.ErrPathEscape) {
			log.Printf("security event=path_escape remote=%s path=%q", r.RemoteAddr, rel)
		}
		http.NotFound(w, r)
		return fsutil.Resolved{}, false
	}
	if s.inStaging(res.Rel) {
		http.NotFound(w, r)
		return fsutil.Resolved{}, false
	}
	return res, true
}

func (s *Server) inStaging(rel string) bool {
	return rel == s.cfg.StagingDirName || strings.HasPrefix(rel, s.cfg.StagingDirName+"/")
}

// --- browse ---

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, ok := s.resolveRequest(w, r, "/browse/")
	if !ok {
		return
	}
	st, err := os.Stat(res.Abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !st.IsDir() {
		// File metadata instead of a listing.
		writeJSON(w, catalog.Entry{
			Name:  st.Name(),
			Path:  res.Rel,
			Size:  st.Size(),
			Mtime: st.ModTime().Unix(),
			Kind:  catalog.KindForName(st.Name()),
			Mime:  catalog.MimeForName(st.Name()),
		})
		return
	}

	q := catalog.Query{
		Name: strings.TrimSpace(r.URL.Query().Get("q")),
		Kind: catalog.Kind(r.URL.Query().Get("type")),
		Sort: catalog.SortKey(r.URL.Query().Get("sort")),
		Desc: r.URL.Query().Get("order") == "desc",
	}
	items, err := s.catalog.List(res, q)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"path":    res.Rel,
		"entries": items,
	}
	if name := readmeName(items); name != "" {
		resp["readme"] = name
	}
	if s.gate.Authorize(r, auth.Admin) == 0 {
		pend := s.uploads.Pending()
		resp["pending"] = pend
		resp["pendingCount"] = len(pend)
	}
	writeJSON(w, resp)
}

// readmeName picks the directory's readme file, if any, so clients can
// fetch and render it alongside the listing.
func readmeName(items []catalog.Entry) string {
	for _, it := range items {
		if it.IsDir {
			continue
		}
		switch strings.ToLower(it.Name) {
		case "readme", "readme.txt", "readme.md":
			return it.Name
		}
	}
	return ""
}

// --- streaming / download ---

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveMedia(w, r, "/stream/", false)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveMedia(w, r, "/download/", true)
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, prefix string, download bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, ok := s.resolveRequest(w, r, prefix)
	if !ok {
		return
	}
	st, err := os.Stat(res.Abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	err = httprange.ServeFile(w, r, res.Abs, httprange.Options{
		Name:        st.Name(),
		ContentType: catalog.MimeForName(st.Name()),
		Download:    download,
	})
	if err != nil {
		log.Printf("stream path=%q err=%v", res.Rel, err)
	}
}

// --- upload ---

type uploadResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	destRel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	if err := r.ParseMultipartForm(256 << 20); err != nil { // 256MiB memory+tmp
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		// Accept any field name for single-file clients.
		for _, v := range r.MultipartForm.File {
			headers = append(headers, v...)
		}
	}
	if len(headers) == 0 {
		http.Error(w, "missing files", http.StatusBadRequest)
		return
	}

	results := make([]uploadResult, 0, len(headers))
	for _, fh := range headers {
		if fh.Filename == "" {
			continue
		}
		src, err := fh.Open()
		if err != nil {
			http.Error(w, "open upload", http.StatusBadRequest)
			return
		}
		p, err := s.uploads.Accept(r.Context(), destRel, fh.Filename, src, r.RemoteAddr)
		_ = src.Close()
		if err != nil {
			if errors.Is(err, fsutil.ErrPathEscape) {
				log.Printf("security event=path_escape remote=%s path=%q", r.RemoteAddr, destRel)
				http.Error(w, "bad path", http.StatusBadRequest)
				return
			}
			log.Printf("upload accept name=%q err=%v", fh.Filename, err)
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}
		results = append(results, uploadResult{ID: p.ID, Name: p.Name, Status: string(p.Status)})
	}
	if len(results) == 0 {
		http.Error(w, "missing files", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"uploads": results})
}

// --- admin ---

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.finalize(w, r, "/admin/approve/", staging.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.finalize(w, r, "/admin/reject/", staging.Reject)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request, prefix string, d staging.Decision) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if err := s.uploads.Finalize(id, d); err != nil {
		switch {
		case errors.Is(err, staging.ErrUnknownUpload):
			writeJSONStatus(w, http.StatusConflict, map[string]any{"error": "unknown or resolved upload"})
		case errors.Is(err, fsutil.ErrPathEscape):
			http.Error(w, "bad path", http.StatusBadRequest)
		default:
			log.Printf("finalize id=%s err=%v", id, err)
			http.Error(w, "finalize failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, ok := s.resolveRequest(w, r, "/admin/files/")
	if !ok {
		return
	}
	st, err := os.Stat(res.Abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	if err := os.Remove(res.Abs); err != nil {
		log.Printf("delete path=%q err=%v", res.Rel, err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "path": res.Rel})
}

// --- thumbnails ---

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	res, err := s.resolver.Resolve(rel)
	if err != nil || s.inStaging(res.Rel) {
		http.NotFound(w, r)
		return
	}
	st, err := os.Stat(res.Abs)
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	if catalog.KindForName(st.Name()) != catalog.KindImage {
		http.NotFound(w, r)
		return
	}
	b, err := makeThumb(res.Abs, s.cfg.ThumbSize)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}
