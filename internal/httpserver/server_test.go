package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/MahmoudG25/Local-Media-Server/internal/config"
)

func bcryptHash(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	return string(h), err
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func seed(t *testing.T, root string, name, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func do(s *Server, method, target, remote string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestBrowseListing(t *testing.T) {
	s := newTestServer(t, config.Config{})
	root := s.resolver.Root()
	seed(t, root, "movies/a.mp4", "aaaa")
	seed(t, root, "movies/b.jpg", "bb")
	seed(t, root, "movies/README.md", "# about")

	rr := do(s, http.MethodGet, "/browse/movies?sort=size&order=desc", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body)
	}
	var resp struct {
		Path    string `json:"path"`
		Readme  string `json:"readme"`
		Entries []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
			Size int64  `json:"size"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Path != "movies" || len(resp.Entries) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Entries[0].Name != "README.md" || resp.Entries[1].Name != "a.mp4" || resp.Entries[1].Kind != "video" {
		t.Errorf("size desc entries = %+v", resp.Entries)
	}
	if resp.Readme != "README.md" {
		t.Errorf("readme = %q, want README.md", resp.Readme)
	}
}

func TestBrowseHidesStagingAndEscapes(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rr := do(s, http.MethodGet, "/browse/_pending_uploads", "", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("staging browse = %d, want 404", rr.Code)
	}
	// Traversal probes look exactly like missing files. The mux cleans
	// dotted paths itself, so hit the handler with the raw path a
	// non-canonical client would send.
	req := httptest.NewRequest(http.MethodGet, "/browse/x", nil)
	req.URL.Path = "/browse/../../etc/passwd"
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.handleBrowse).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("traversal browse = %d, want 404", rr.Code)
	}
}

func TestStreamRangeThroughRoutes(t *testing.T) {
	s := newTestServer(t, config.Config{})
	seed(t, s.resolver.Root(), "clip.mp4", "0123456789")

	rr := do(s, http.MethodGet, "/stream/clip.mp4", "", nil, map[string]string{"Range": "bytes=2-5"})
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if rr.Body.String() != "2345" {
		t.Errorf("body = %q, want 2345", rr.Body.String())
	}

	rr = do(s, http.MethodGet, "/download/clip.mp4", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("download status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "attachment") {
		t.Errorf("download disposition = %q", got)
	}

	rr = do(s, http.MethodGet, "/stream/clip.mp4", "", nil, map[string]string{"Range": "bytes=10-"})
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("unsatisfiable = %d, want 416", rr.Code)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func uploadOne(t *testing.T, s *Server, dest, filename, content string) string {
	t.Helper()
	body, ct := multipartBody(t, "files", filename, content)
	rr := do(s, http.MethodPost, "/upload?path="+dest, "203.0.113.7:9000", body, map[string]string{"Content-Type": ct})
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", rr.Code, rr.Body)
	}
	var resp struct {
		Uploads []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"uploads"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Uploads) != 1 || resp.Uploads[0].Status != "pending" {
		t.Fatalf("upload resp = %+v", resp)
	}
	return resp.Uploads[0].ID
}

func TestUploadApproveAppearsInListing(t *testing.T) {
	s := newTestServer(t, config.Config{})
	id := uploadOne(t, s, "movies", "new.mp4", "hello12345")

	// Staged, not yet published.
	rr := do(s, http.MethodGet, "/stream/movies/new.mp4", "", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("pending file already streamable: %d", rr.Code)
	}

	rr = do(s, http.MethodPost, "/admin/approve/"+id, "127.0.0.1:5000", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rr.Code, rr.Body)
	}

	rr = do(s, http.MethodGet, "/browse/movies", "", nil, nil)
	var resp struct {
		Entries []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Name != "new.mp4" || resp.Entries[0].Size != 10 {
		t.Fatalf("listing after approve = %+v", resp.Entries)
	}

	// Second decision on the same id is a conflict.
	rr = do(s, http.MethodPost, "/admin/reject/"+id, "127.0.0.1:5000", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second finalize = %d, want 409", rr.Code)
	}
}

func TestUploadRejectNeverAppears(t *testing.T) {
	s := newTestServer(t, config.Config{})
	id := uploadOne(t, s, "", "junk.bin", "hello12345")

	rr := do(s, http.MethodPost, "/admin/reject/"+id, "127.0.0.1:5000", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reject status = %d", rr.Code)
	}
	rr = do(s, http.MethodGet, "/browse/", "", nil, nil)
	var resp struct {
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	for _, e := range resp.Entries {
		if e.Name == "junk.bin" {
			t.Error("rejected upload leaked into listing")
		}
	}
}

func TestAdminRoutesRequireLoopback(t *testing.T) {
	pw, err := bcryptHash("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, config.Config{PasswordBcrypt: pw})
	id := func() string {
		body, ct := multipartBody(t, "files", "x.bin", "x")
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)
		req.SetBasicAuth("user", "s3cret")
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("upload = %d body=%s", rr.Code, rr.Body)
		}
		var resp struct {
			Uploads []struct{ ID string }
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp.Uploads[0].ID
	}()

	// Correct credential from a remote address: still forbidden.
	req := httptest.NewRequest(http.MethodPost, "/admin/approve/"+id, nil)
	req.RemoteAddr = "203.0.113.7:9000"
	req.SetBasicAuth("user", "s3cret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("remote approve = %d, want 403", rr.Code)
	}

	// Loopback with the credential succeeds.
	req = httptest.NewRequest(http.MethodPost, "/admin/approve/"+id, nil)
	req.RemoteAddr = "127.0.0.1:5000"
	req.SetBasicAuth("user", "s3cret")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("loopback approve = %d body=%s", rr.Code, rr.Body)
	}
}

func TestAdminDelete(t *testing.T) {
	s := newTestServer(t, config.Config{})
	seed(t, s.resolver.Root(), "old.mp4", "data")

	rr := do(s, http.MethodDelete, "/admin/files/old.mp4", "203.0.113.7:9000", nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("remote delete = %d, want 403", rr.Code)
	}
	rr = do(s, http.MethodDelete, "/admin/files/old.mp4", "127.0.0.1:5000", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d", rr.Code)
	}
	if _, err := os.Stat(filepath.Join(s.resolver.Root(), "old.mp4")); !os.IsNotExist(err) {
		t.Error("file survived delete")
	}
	// Deleting again: gone is gone.
	rr = do(s, http.MethodDelete, "/admin/files/old.mp4", "127.0.0.1:5000", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("repeat delete = %d, want 404", rr.Code)
	}
}

func TestBrowsePendingVisibleToAdminOnly(t *testing.T) {
	s := newTestServer(t, config.Config{})
	uploadOne(t, s, "", "waiting.bin", "zz")

	rr := do(s, http.MethodGet, "/browse/", "203.0.113.7:9000", nil, nil)
	if strings.Contains(rr.Body.String(), "waiting.bin") {
		t.Error("pending uploads leaked to non-admin listing")
	}
	rr = do(s, http.MethodGet, "/browse/", "127.0.0.1:5000", nil, nil)
	var resp struct {
		PendingCount int `json:"pendingCount"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PendingCount != 1 {
		t.Errorf("admin pendingCount = %d, want 1", resp.PendingCount)
	}
}

func TestThumbRejectsNonImages(t *testing.T) {
	s := newTestServer(t, config.Config{})
	seed(t, s.resolver.Root(), "clip.mp4", "not an image")

	rr := do(s, http.MethodGet, "/thumb?path=clip.mp4", "", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("thumb of video = %d, want 404", rr.Code)
	}
}

func TestDavReadOnly(t *testing.T) {
	s := newTestServer(t, config.Config{})
	seed(t, s.resolver.Root(), "doc.txt", "hello")

	rr := do(s, http.MethodGet, "/dav/doc.txt", "", nil, nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "hello" {
		t.Errorf("dav get = %d %q", rr.Code, rr.Body.String())
	}
	rr = do(s, "PUT", "/dav/doc.txt", "", strings.NewReader("evil"), nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("dav put = %d, want 403", rr.Code)
	}
	rr = do(s, http.MethodGet, "/dav/_pending_uploads/", "", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("dav staging = %d, want 404", rr.Code)
	}
}
