package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrost-hq/bifrost/pkg/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newEngine(t *testing.T, cfg *config.StaticFilesConfig) *Engine {
	t.Helper()
	config.ApplyDefaults(&config.Config{Mode: config.ModeStatic, ListenAddr: "127.0.0.1:0", StaticFiles: cfg})
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func spaConfig(t *testing.T) (*config.StaticFilesConfig, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>app</html>")
	writeFile(t, dir, "app.js", "console.log(1)")
	spa := true
	cfg := &config.StaticFilesConfig{
		Mounts: []config.StaticMountConfig{
			{Path: "/", RootDir: dir, SPAMode: &spa},
		},
	}
	return cfg, dir
}

func get(t *testing.T, e *Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestServeExistingFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.txt", "hello world")
	cfg := &config.StaticFilesConfig{Mounts: []config.StaticMountConfig{{Path: "/", RootDir: dir}}}
	e := newEngine(t, cfg)

	rec := get(t, e, "/hello.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.HasPrefix(cc, "public, max-age=") {
		t.Errorf("Cache-Control = %q", cc)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("Last-Modified missing")
	}
}

func TestMethodPolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StaticFilesConfig{Mounts: []config.StaticMountConfig{{Path: "/", RootDir: dir}}}
	e := newEngine(t, cfg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "GET, HEAD" {
		t.Errorf("Allow = %q, want GET, HEAD", rec.Header().Get("Allow"))
	}
}

func TestMountSegmentBoundary(t *testing.T) {
	appDir := t.TempDir()
	writeFile(t, appDir, "index.html", "app index")
	cfg := &config.StaticFilesConfig{
		Mounts: []config.StaticMountConfig{{Path: "/app", RootDir: appDir}},
	}
	e := newEngine(t, cfg)

	// /app and /app/foo hit the mount; /app-bar must not.
	if rec := get(t, e, "/app"); rec.Code != http.StatusOK {
		t.Errorf("GET /app status = %d, want 200 (index)", rec.Code)
	}
	if rec := get(t, e, "/app/index.html"); rec.Code != http.StatusOK {
		t.Errorf("GET /app/index.html status = %d, want 200", rec.Code)
	}
	if e.Matches("/app-bar") {
		t.Error("/app-bar matched the /app mount across a segment boundary")
	}
	if rec := get(t, e, "/app-bar"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /app-bar status = %d, want 404", rec.Code)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.txt", "fine")
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0o644)
	defer os.Remove(outside)

	cfg := &config.StaticFilesConfig{Mounts: []config.StaticMountConfig{{Path: "/", RootDir: dir}}}
	e := newEngine(t, cfg)

	req := httptest.NewRequest("GET", "/", nil)
	req.URL.Path = "/../secret.txt"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("traversal status = %d, want 404", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("traversal leaked file contents")
	}
}

func TestSPAFallbackAndAsset404(t *testing.T) {
	cfg, _ := spaConfig(t)
	e := newEngine(t, cfg)

	// A route-like path serves the fallback with no-cache headers.
	rec := get(t, e, "/dashboard")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /dashboard status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "app") {
		t.Errorf("body = %q, want fallback document", rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q, want no-cache trio", cc)
	}

	// A missing asset is a 404, never the fallback.
	rec = get(t, e, "/missing.js")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /missing.js status = %d, want 404", rec.Code)
	}

	// An existing asset serves normally with public caching.
	rec = get(t, e, "/app.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /app.js status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.HasPrefix(cc, "public, max-age=") {
		t.Errorf("asset Cache-Control = %q", cc)
	}
}

func TestDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sub/a.txt", "a")
	writeFile(t, dir, "b.txt", "b")
	listing := true
	cfg := &config.StaticFilesConfig{
		Mounts:     []config.StaticMountConfig{{Path: "/", RootDir: dir, EnableDirectoryListing: &listing}},
		IndexFiles: []string{"nonexistent.html"},
	}
	e := newEngine(t, cfg)

	rec := get(t, e, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "sub/") || !strings.Contains(body, "b.txt") {
		t.Errorf("listing missing entries: %s", body)
	}
}

func TestDirectoryWithoutListingFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data/file.txt", "x")
	cfg := &config.StaticFilesConfig{
		Mounts:     []config.StaticMountConfig{{Path: "/", RootDir: dir}},
		IndexFiles: []string{"absent.html"},
	}
	e := newEngine(t, cfg)

	if rec := get(t, e, "/data"); rec.Code != http.StatusNotFound {
		t.Errorf("bare directory status = %d, want 404", rec.Code)
	}
}

func TestNoCachePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.js", "cfg")
	writeFile(t, dir, "Special.HTML", "s")
	writeFile(t, dir, "normal.css", "c")
	cfg := &config.StaticFilesConfig{
		Mounts:       []config.StaticMountConfig{{Path: "/", RootDir: dir}},
		NoCacheFiles: []string{"*.js", "special.html"},
	}
	e := newEngine(t, cfg)

	for _, path := range []string{"/config.js", "/Special.HTML"} {
		rec := get(t, e, path)
		if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
			t.Errorf("%s Cache-Control = %q, want no-cache", path, cc)
		}
	}
	rec := get(t, e, "/normal.css")
	if cc := rec.Header().Get("Cache-Control"); !strings.HasPrefix(cc, "public") {
		t.Errorf("/normal.css Cache-Control = %q, want public", cc)
	}
}

func TestCustomMimeTypes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.glb", "bin")
	writeFile(t, dir, "unknown.zzz", "???")
	cfg := &config.StaticFilesConfig{
		Mounts:          []config.StaticMountConfig{{Path: "/", RootDir: dir}},
		CustomMimeTypes: map[string]string{"glb": "model/gltf-binary"},
	}
	e := newEngine(t, cfg)

	if ct := get(t, e, "/model.glb").Header().Get("Content-Type"); ct != "model/gltf-binary" {
		t.Errorf("custom mime = %q", ct)
	}
	if ct := get(t, e, "/unknown.zzz").Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unknown extension mime = %q", ct)
	}
}

func TestHeadOmitsBody(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.txt", "contents here")
	cfg := &config.StaticFilesConfig{Mounts: []config.StaticMountConfig{{Path: "/", RootDir: dir}}}
	e := newEngine(t, cfg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("HEAD", "/file.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD returned %d body bytes", rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Error("HEAD missing Content-Length")
	}
}
