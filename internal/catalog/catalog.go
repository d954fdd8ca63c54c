package catalog

import (
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MahmoudG25/Local-Media-Server/internal/fsutil"
)

// Kind is the coarse media class inferred from a file extension.
type Kind string

const (
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Entry describes one directory member. Entries are derived per request
// from stat calls; listings are a live view, never cached.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Kind  Kind   `json:"kind"`
	Mime  string `json:"mime,omitempty"`
}

// SortKey selects the listing order.
type SortKey string

const (
	SortName  SortKey = "name"
	SortSize  SortKey = "size"
	SortMtime SortKey = "mtime"
)

// Query filters and orders a listing. Zero value lists everything by name
// ascending.
type Query struct {
	Name string // case-insensitive substring on the entry name
	Kind Kind   // "" or "all" matches every kind
	Sort SortKey
	Desc bool
}

// Catalog lists directories under a resolved root. Names in hide (e.g. the
// upload staging directory) are excluded from every listing.
type Catalog struct {
	resolver *fsutil.Resolver
	hide     map[string]bool
}

func New(resolver *fsutil.Resolver, hide ...string) *Catalog {
	h := make(map[string]bool, len(hide))
	for _, n := range hide {
		h[n] = true
	}
	return &Catalog{resolver: resolver, hide: h}
}

// List returns the entries of the resolved directory matching q.
// Entries that cannot be stat'ed (broken symlinks, races with deletion)
// are skipped rather than failing the listing.
func (c *Catalog) List(dir fsutil.Resolved, q Query) ([]Entry, error) {
	ents, err := os.ReadDir(dir.Abs)
	if err != nil {
		return nil, err
	}
	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if dir.Rel == "" && c.hide[name] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		it := Entry{
			Name:  name,
			Path:  joinRel(dir.Rel, name),
			IsDir: e.IsDir(),
			Mtime: info.ModTime().Unix(),
		}
		if !it.IsDir {
			it.Size = info.Size()
			it.Mime = MimeForName(name)
			it.Kind = KindForName(name)
		}
		if !match(it, q) {
			continue
		}
		items = append(items, it)
	}
	sortEntries(items, q)
	return items, nil
}

func match(it Entry, q Query) bool {
	if q.Name != "" && !strings.Contains(strings.ToLower(it.Name), strings.ToLower(q.Name)) {
		return false
	}
	if q.Kind != "" && q.Kind != "all" && !it.IsDir && it.Kind != q.Kind {
		return false
	}
	return true
}

// sortEntries orders items by q; directories sort before files under every
// key.
func sortEntries(items []Entry, q Query) {
	less := func(a, b Entry) bool {
		switch q.Sort {
		case SortSize:
			return a.Size < b.Size
		case SortMtime:
			return a.Mtime < b.Mtime
		default:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		if q.Desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// KindForName maps a file name to its media class via a static extension
// table, defaulting to KindOther.
func KindForName(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".webm", ".mkv", ".mov", ".avi", ".m4v", ".ts", ".mpg", ".mpeg", ".wmv":
		return KindVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg", ".heic":
		return KindImage
	case ".mp3", ".m4a", ".wav", ".ogg", ".flac", ".aac", ".opus", ".wma":
		return KindAudio
	case ".pdf", ".txt", ".md", ".doc", ".docx", ".epub", ".srt", ".vtt":
		return KindDocument
	default:
		return KindOther
	}
}

// MimeForName returns a Content-Type for a file name, with fallbacks for
// systems with sparse mime tables. Empty string means unknown.
func MimeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	// images
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	// video
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	// audio
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	// docs/text
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".srt", ".vtt":
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
