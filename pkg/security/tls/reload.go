package tls

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches a certificate/key pair and swaps the parsed certificate
// when either file changes, so renewals take effect without a restart.
type Reloader struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewReloader loads the initial certificate and starts watching the
// containing directories (watching directories instead of files survives
// the rename-and-replace pattern certificate tooling uses).
func NewReloader(certFile, keyFile string) (*Reloader, error) {
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		done:     make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate watcher: %w", err)
	}
	r.watcher = watcher

	dirs := map[string]bool{
		filepath.Dir(certFile): true,
		filepath.Dir(keyFile):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go r.watchLoop()
	return r, nil
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return r.cert, nil
}

// Close stops the watcher.
func (r *Reloader) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Reloader) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			if err := r.reload(); err != nil {
				// Keep serving the previous certificate; renewals often
				// write the key and cert non-atomically.
				slog.Warn("certificate reload failed",
					"cert_file", r.certFile,
					"error", err,
				)
				continue
			}
			slog.Info("certificate reloaded", "cert_file", r.certFile)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("certificate watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

func (r *Reloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return event.Name == r.certFile || event.Name == r.keyFile
}

func (r *Reloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}
