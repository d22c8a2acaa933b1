package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

// PassphraseFunc supplies the passphrase of an encrypted key file.
type PassphraseFunc func(ctx context.Context, path string) ([]byte, error)

// FileLoader loads private key files into a LocalKeyStore and keeps them in sync with disk.
type FileLoader struct {
	store      *LocalKeyStore
	passphrase PassphraseFunc
	logger     logger.Logger

	mu    sync.Mutex
	files map[string]struct{}
	// onChange runs after a watched file was reloaded or removed.
	onChange func(ctx context.Context)
}

// NewFileLoader creates a loader for files. passphrase may be nil.
func NewFileLoader(store *LocalKeyStore, files []string, passphrase PassphraseFunc, log logger.Logger) *FileLoader {
	l := &FileLoader{
		store:      store,
		passphrase: passphrase,
		logger:     log.WithComponent("FileLoader"),
		files:      make(map[string]struct{}),
	}
	for _, f := range files {
		l.files[filepath.Clean(utils.ExpandHome(f))] = struct{}{}
	}
	return l
}

// OnChange registers a callback invoked after the watched set changes the store.
func (l *FileLoader) OnChange(fn func(ctx context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Track adds path to the set of managed files.
func (l *FileLoader) Track(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[filepath.Clean(path)] = struct{}{}
}

// LoadAll loads every tracked file, logging and skipping the ones that fail.
func (l *FileLoader) LoadAll(ctx context.Context) int {
	loaded := 0
	for _, path := range l.trackedFiles() {
		if _, err := l.LoadFile(ctx, path); err != nil {
			l.logger.Warn(ctx, "Failed to load key file", logger.String("file", path), logger.Error(err))
			continue
		}
		loaded++
	}
	return loaded
}

// LoadFile parses path and adds it to the store, replacing keys previously loaded from it.
func (l *FileLoader) LoadFile(ctx context.Context, path string) (*models.KeyRecord, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	material, err := crypto.ParsePrivateKey(pemBytes, nil)
	if err != nil && crypto.IsPassphraseMissing(err) && l.passphrase != nil {
		var pass []byte
		pass, err = l.passphrase(ctx, path)
		if err == nil {
			material, err = crypto.ParsePrivateKey(pemBytes, pass)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}

	record := models.NewLocalKeyRecord(material.Signer, keyName(path), path).WithPrivateKey(material.PrivateKey)
	l.store.RemoveByFile(path)
	if err := l.store.Add(record, nil); err != nil {
		return nil, err
	}
	l.logger.Info(ctx, "Loaded key file",
		logger.String("file", path),
		logger.String("fingerprint", record.Fingerprint()),
	)
	return record, nil
}

// Watch reloads tracked files when they change on disk until ctx is done.
func (l *FileLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for _, path := range l.trackedFiles() {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn(ctx, "Cannot watch key directory", logger.String("dir", dir), logger.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error(ctx, "File watcher error", err)
		}
	}
}

func (l *FileLoader) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !l.isTracked(path) {
		return
	}
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		removed := l.store.RemoveByFile(path)
		l.logger.Info(ctx, "Key file removed", logger.String("file", path), logger.Int("keys", len(removed)))
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if _, err := l.LoadFile(ctx, path); err != nil {
			l.logger.Warn(ctx, "Failed to reload key file", logger.String("file", path), logger.Error(err))
			return
		}
	default:
		return
	}
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (l *FileLoader) isTracked(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.files[path]
	return ok
}

func (l *FileLoader) trackedFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	files := make([]string, 0, len(l.files))
	for f := range l.files {
		files = append(files, f)
	}
	return files
}

// keyName prefers the comment of the adjacent .pub file, then the file name.
func keyName(path string) string {
	if data, err := os.ReadFile(path + ".pub"); err == nil {
		if _, comment, err := crypto.ParsePublicKey(strings.TrimSpace(string(data))); err == nil && comment != "" {
			return comment
		}
	}
	return filepath.Base(path)
}
