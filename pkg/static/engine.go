package static

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
    <h1>404 Not Found</h1>
    <p>The requested resource was not found on this server.</p>
</body>
</html>`

// streamThreshold separates buffered small responses from chunk-streamed
// ones in the metrics; serving always streams from disk either way.
const streamThreshold = 256 * 1024

// mount is one resolved URL-prefix -> directory binding.
type mount struct {
	resolved config.ResolvedMount
	rootPath string
	prefix   string // normalized: no trailing slash except root "/"
}

// Engine serves files for the configured mounts.
type Engine struct {
	mounts  []*mount
	mime    *mimeTable
	logger  *logging.Logger
	metrics *metrics.Collector
}

// NewEngine resolves mount inheritance and validates the root directories.
func NewEngine(cfg *config.StaticFilesConfig, logger *logging.Logger, collector *metrics.Collector) (*Engine, error) {
	e := &Engine{
		mime:    newMimeTable(cfg.CustomMimeTypes),
		logger:  logger,
		metrics: collector,
	}

	for _, mc := range cfg.Mounts {
		resolved := mc.Resolve(cfg)
		rootPath, err := filepath.Abs(resolved.RootDir)
		if err != nil {
			return nil, fmt.Errorf("invalid root directory %q: %w", resolved.RootDir, err)
		}
		if info, err := os.Stat(rootPath); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("invalid root directory %q: not a directory", resolved.RootDir)
		}
		e.mounts = append(e.mounts, &mount{
			resolved: resolved,
			rootPath: rootPath,
			prefix:   normalizePrefix(resolved.Path),
		})
	}

	// Longest prefix first so /app/admin wins over /app over /.
	sort.SliceStable(e.mounts, func(i, j int) bool {
		return len(e.mounts[i].prefix) > len(e.mounts[j].prefix)
	})
	return e, nil
}

// Matches reports whether any mount claims the path; combined mode uses it
// to decide between the static and reverse engines.
func (e *Engine) Matches(path string) bool {
	_, _, ok := e.findMount(path)
	return ok
}

// ServeHTTP serves GET and HEAD from the matching mount.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.metrics != nil {
		e.metrics.IncRequests("static")
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 Method Not Allowed", http.StatusMethodNotAllowed)
		if e.metrics != nil {
			e.metrics.IncErrors("static", "protocol")
		}
		return
	}

	m, remainder, ok := e.findMount(r.URL.Path)
	if !ok {
		e.notFound(w)
		return
	}

	filePath, ok := m.resolvePath(remainder)
	if !ok {
		// Traversal attempt or null byte.
		e.notFound(w)
		return
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if m.resolved.SPAMode && !isAssetPath(remainder) {
			e.serveSPAFallback(w, r, m)
			return
		}
		e.notFound(w)
		return
	}

	if info.IsDir() {
		e.serveDirectory(w, r, m, filePath, r.URL.Path)
		return
	}
	e.serveFile(w, r, m, filePath, false)
}

// findMount picks the longest mount whose prefix matches the request path
// on a segment boundary: the prefix is the whole path or is immediately
// followed by '/'.
func (e *Engine) findMount(path string) (*mount, string, bool) {
	for _, m := range e.mounts {
		if m.prefix == "/" {
			return m, path, true
		}
		if path == m.prefix {
			return m, "/", true
		}
		if strings.HasPrefix(path, m.prefix) && path[len(m.prefix)] == '/' {
			return m, path[len(m.prefix):], true
		}
	}
	return nil, "", false
}

// resolvePath joins the mount root with the remainder, rejecting any ".."
// segment and null bytes.
func (m *mount) resolvePath(remainder string) (string, bool) {
	if strings.ContainsRune(remainder, 0) {
		return "", false
	}
	for _, segment := range strings.Split(remainder, "/") {
		if segment == ".." {
			return "", false
		}
	}
	clean := strings.TrimPrefix(remainder, "/")
	if clean == "" {
		return m.rootPath, true
	}
	return filepath.Join(m.rootPath, filepath.FromSlash(clean)), true
}

func (e *Engine) serveDirectory(w http.ResponseWriter, r *http.Request, m *mount, dirPath, requestPath string) {
	for _, index := range m.resolved.IndexFiles {
		indexPath := filepath.Join(dirPath, index)
		if info, err := os.Stat(indexPath); err == nil && !info.IsDir() {
			e.serveFile(w, r, m, indexPath, false)
			return
		}
	}

	if m.resolved.EnableDirectoryListing {
		html, err := renderListing(dirPath, requestPath)
		if err != nil {
			e.notFound(w)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(html)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(html))
		return
	}

	if m.resolved.SPAMode {
		e.serveSPAFallback(w, r, m)
		return
	}
	e.notFound(w)
}

func (e *Engine) serveSPAFallback(w http.ResponseWriter, r *http.Request, m *mount) {
	fallback := filepath.Join(m.rootPath, m.resolved.SPAFallbackFile)
	if info, err := os.Stat(fallback); err != nil || info.IsDir() {
		e.notFound(w)
		return
	}
	e.serveFile(w, r, m, fallback, true)
}

// serveFile streams one regular file with cache-policy headers.
func (e *Engine) serveFile(w http.ResponseWriter, r *http.Request, m *mount, filePath string, isSPAFallback bool) {
	f, err := os.Open(filePath)
	if err != nil {
		e.notFound(w)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		e.notFound(w)
		return
	}

	w.Header().Set("Content-Type", e.mime.lookup(filePath))
	w.Header().Set("Cache-Control", cacheControl(m, filePath, isSPAFallback))

	// ServeContent streams chunk-wise from disk and fills in
	// Content-Length, Last-Modified, and range handling.
	http.ServeContent(w, r, "", info.ModTime(), f)

	if e.metrics != nil {
		e.metrics.IncFilesServed()
		if info.Size() > streamThreshold {
			e.metrics.IncFilesStreamed()
		}
		if r.Method != http.MethodHead {
			e.metrics.AddBytesOut("static", info.Size())
		}
	}
}

func (e *Engine) notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(notFoundPage))
	if e.metrics != nil {
		e.metrics.IncErrors("static", "routing")
	}
}

// cacheControl picks the cache headers: no-cache for SPA fallbacks, SPA
// index files, and no_cache_files matches; public caching otherwise.
func cacheControl(m *mount, filePath string, isSPAFallback bool) string {
	if isSPAFallback ||
		(m.resolved.SPAMode && isIndexFile(filePath, m.resolved.IndexFiles)) ||
		matchesNoCachePattern(filePath, m.resolved.NoCacheFiles) {
		return "no-cache, no-store, must-revalidate"
	}
	return fmt.Sprintf("public, max-age=%d", m.resolved.CacheMillisecs)
}

func isIndexFile(filePath string, indexFiles []string) bool {
	name := filepath.Base(filePath)
	for _, index := range indexFiles {
		if strings.EqualFold(index, name) {
			return true
		}
	}
	return false
}

// matchesNoCachePattern supports "*.<ext>" (case-insensitive extension)
// and exact filename (case-insensitive) patterns.
func matchesNoCachePattern(filePath string, patterns []string) bool {
	name := filepath.Base(filePath)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, pattern := range patterns {
		if rest, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.ToLower(rest) == ext && ext != "" {
				return true
			}
			continue
		}
		if strings.EqualFold(pattern, name) {
			return true
		}
	}
	return false
}

// normalizePrefix trims trailing slashes on configured prefixes ("/app/"
// and "/app" are the same mount); the root mount stays "/".
func normalizePrefix(prefix string) string {
	trimmed := strings.TrimRight(prefix, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
