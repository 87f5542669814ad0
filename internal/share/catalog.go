package share

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one shared file with its stat snapshot. The snapshot is taken
// once when the catalog is built so request handling never stats the disk;
// indices stay stable for the length of the session.
type Entry struct {
	Index   int
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
	Kind    string
}

// Catalog is the immutable file list of one sharing session. Changing the
// shared files means building a new catalog and starting a new session.
type Catalog struct {
	entries []Entry
}

func BuildCatalog(paths []string) (*Catalog, error) {
	entries := make([]Entry, 0, len(paths))
	for i, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		entries = append(entries, Entry{
			Index:   i,
			Path:    abs,
			Name:    info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Kind:    KindOf(info.Name()),
		})
	}
	return &Catalog{entries: entries}, nil
}

func (c *Catalog) Entries() []Entry {
	return c.entries
}

func (c *Catalog) Get(index int) (Entry, bool) {
	if index < 0 || index >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[index], true
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".css":  "text/css",
	".csv":  "text/csv",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".apk":  "application/vnd.android.package-archive",
}

// MIMEType maps a filename extension to its content type; unknown
// extensions are generic binary.
func MIMEType(name string) string {
	if mime, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return mime
	}
	return "application/octet-stream"
}

// KindOf classifies a filename into the coarse type the catalog exposes.
func KindOf(name string) string {
	mime := MIMEType(name)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "text/"), mime == "application/pdf", mime == "application/json":
		return "document"
	case mime == "application/zip", mime == "application/x-tar", mime == "application/gzip",
		mime == "application/x-7z-compressed", mime == "application/vnd.rar":
		return "archive"
	default:
		return "binary"
	}
}

// HumanSize renders a byte count the way the landing page shows it.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
