package static

import (
	"path/filepath"
	"strings"
)

// builtinMimeTypes is the default extension table. custom_mime_types from
// the configuration is merged over it.
var builtinMimeTypes = map[string]string{
	"html":  "text/html",
	"htm":   "text/html",
	"css":   "text/css",
	"js":    "text/javascript",
	"mjs":   "text/javascript",
	"json":  "application/json",
	"xml":   "application/xml",
	"txt":   "text/plain",
	"md":    "text/markdown",
	"csv":   "text/csv",
	"png":   "image/png",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"gif":   "image/gif",
	"svg":   "image/svg+xml",
	"ico":   "image/x-icon",
	"webp":  "image/webp",
	"avif":  "image/avif",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"ttf":   "font/ttf",
	"otf":   "font/otf",
	"eot":   "application/vnd.ms-fontobject",
	"pdf":   "application/pdf",
	"zip":   "application/zip",
	"gz":    "application/gzip",
	"tar":   "application/x-tar",
	"wasm":  "application/wasm",
	"mp4":   "video/mp4",
	"webm":  "video/webm",
	"mp3":   "audio/mpeg",
	"wav":   "audio/wav",
	"ogg":   "audio/ogg",
}

// textLikeTypes get "; charset=utf-8" appended.
var textLikeTypes = map[string]bool{
	"application/json": true,
	"application/xml":  true,
	"image/svg+xml":    true,
}

// mimeTable resolves Content-Type by file extension.
type mimeTable struct {
	types map[string]string
}

// newMimeTable merges custom mappings (extension without dot, any case)
// over the built-in defaults.
func newMimeTable(custom map[string]string) *mimeTable {
	types := make(map[string]string, len(builtinMimeTypes)+len(custom))
	for ext, mime := range builtinMimeTypes {
		types[ext] = mime
	}
	for ext, mime := range custom {
		clean := strings.ToLower(strings.TrimPrefix(ext, "."))
		if clean != "" {
			types[clean] = mime
		}
	}
	return &mimeTable{types: types}
}

// lookup returns the Content-Type for a path. Unknown extensions default
// to application/octet-stream.
func (m *mimeTable) lookup(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	mime, ok := m.types[ext]
	if !ok {
		return "application/octet-stream"
	}
	if strings.HasPrefix(mime, "text/") || textLikeTypes[mime] {
		return mime + "; charset=utf-8"
	}
	return mime
}

// assetExtensions are the file types that never fall back to the SPA
// document: a missing asset is a 404, not index.html.
var assetExtensions = map[string]bool{
	"js": true, "css": true, "png": true, "jpg": true, "jpeg": true,
	"gif": true, "svg": true, "ico": true, "woff": true, "woff2": true,
	"ttf": true, "eot": true, "pdf": true, "zip": true, "json": true,
	"xml": true, "mp4": true, "webm": true, "mp3": true, "wav": true,
}

// isAssetPath reports whether the request path ends in a recognized
// static asset extension.
func isAssetPath(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return assetExtensions[ext]
}
