// Package httprange implements single-range HTTP byte serving for media
// seeking. Malformed Range headers degrade to a full 200 response rather
// than an error; only start >= size is treated as unsatisfiable.
package httprange

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// ErrUnsatisfiable reports a syntactically valid range that lies entirely
// past the end of the file. Served as 416 with "Content-Range: bytes */size".
var ErrUnsatisfiable = errors.New("requested range not satisfiable")

// ByteRange is an inclusive byte window inside a file of Size bytes.
// Invariant: 0 <= Start <= End < Size.
type ByteRange struct {
	Start int64
	End   int64
	Size  int64
}

// Length returns the number of bytes the range covers.
func (b ByteRange) Length() int64 { return b.End - b.Start + 1 }

// ContentRange renders the Content-Range header value for a 206 response.
func (b ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Start, b.End, b.Size)
}

// ParseRange interprets a Range request header against a file of size
// bytes. It returns (nil, nil) when the header is absent or malformed
// (including multi-range syntax, which is not supported), meaning the
// caller should serve the whole file. ErrUnsatisfiable is returned only
// for a well-formed range starting at or past the end of the file.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, nil
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if spec == "" || strings.Contains(spec, ",") {
		return nil, nil
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, nil
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form "-N": the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, ErrUnsatisfiable
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return &ByteRange{Start: start, End: size - 1, Size: size}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	if start >= size {
		return nil, ErrUnsatisfiable
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if end < start {
			return nil, nil
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &ByteRange{Start: start, End: end, Size: size}, nil
}

// Options control the response headers ServeFile emits.
type Options struct {
	// Name is the file name used for Content-Disposition.
	Name string
	// ContentType is sent as-is; empty falls back to octet-stream.
	ContentType string
	// Download selects attachment disposition; otherwise the body is
	// served inline for in-browser playback.
	Download bool
}

// ServeFile streams abs to the client honoring a single Range header.
// The file handle is released on every exit path; a client disconnect
// surfaces as a write error and aborts the copy.
func ServeFile(w http.ResponseWriter, r *http.Request, abs string, opts Options) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return os.ErrInvalid
	}
	size := st.Size()

	ct := opts.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	if opts.Download {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", opts.Name))
	} else if opts.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", opts.Name))
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		w.Header().Del("Content-Disposition")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, err = io.CopyN(w, f, size)
		return ignoreClientAbort(err)
	}

	w.Header().Set("Content-Range", rng.ContentRange())
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(w, f, rng.Length())
	return ignoreClientAbort(err)
}

// ignoreClientAbort drops errors caused by the client going away mid-copy;
// aborted playback seeks are routine, not failures.
func ignoreClientAbort(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, http.ErrAbortHandler) {
		return nil
	}
	return err
}
