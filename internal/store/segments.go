package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Cache lifetimes for segment responses. Closed segments never change on
// disk, so clients may cache them forever; open segments are still growing.
const (
	cacheClosed = "public, max-age=31536000, immutable"
	cacheOpen   = "public, max-age=15"
)

var errSegmentMissing = errors.New("store: segment not found")

// trackIndex mirrors the index.json written next to a session's segments.
type trackIndex struct {
	Closed   bool `json:"closed"`
	Segments []struct {
		Index  int  `json:"i"`
		Closed bool `json:"closed"`
	} `json:"segments"`
}

// findSegment locates segment i of a session on disk, trying the plain,
// gzip and zstd spellings in that order.
func findSegment(dir string, index int) (path, encoding string, err error) {
	base := filepath.Join(dir, fmt.Sprintf("seg-%d.jsonl", index))
	for _, c := range []struct{ suffix, enc string }{
		{"", ""},
		{".gz", "gzip"},
		{".zst", "zstd"},
	} {
		if _, statErr := os.Stat(base + c.suffix); statErr == nil {
			return base + c.suffix, c.enc, nil
		}
	}
	return "", "", errSegmentMissing
}

// segmentClosed reports whether segment i is finished. The per-segment flag
// in index.json wins; a missing index falls back to the session status.
func segmentClosed(dir string, index int, sessionClosed bool) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return sessionClosed
	}
	var idx trackIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return sessionClosed
	}
	for _, seg := range idx.Segments {
		if seg.Index == index {
			return seg.Closed
		}
	}
	if idx.Closed {
		return true
	}
	return sessionClosed
}

// serveSegment streams one NDJSON segment. When the client accepts the
// on-disk encoding the compressed bytes go out as-is with Content-Encoding;
// otherwise the file is decompressed transparently.
func serveSegment(w http.ResponseWriter, r *http.Request, path, encoding string, closed bool) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, `{"error":"segment not found"}`, http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if closed {
		w.Header().Set("Cache-Control", cacheClosed)
	} else {
		w.Header().Set("Cache-Control", cacheOpen)
	}

	if encoding == "" || acceptsEncoding(r, encoding) {
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
		}
		w.Header().Set("Accept-Ranges", "bytes")
		http.ServeContent(w, r, filepath.Base(path), modTime(f), f)
		return
	}

	rd, err := decompress(f, encoding)
	if err != nil {
		http.Error(w, `{"error":"segment unreadable"}`, http.StatusInternalServerError)
		return
	}
	defer rd.Close()
	io.Copy(w, rd)
}

func decompress(f *os.File, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(f)
	case "zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unknown segment encoding %q", encoding)
}

func acceptsEncoding(r *http.Request, enc string) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if name, _, _ := strings.Cut(strings.TrimSpace(part), ";"); name == enc {
			return true
		}
	}
	return false
}

func modTime(f *os.File) time.Time {
	if fi, err := f.Stat(); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}
