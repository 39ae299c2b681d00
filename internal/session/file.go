package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const fileDebounce = 200 * time.Millisecond

// FileSource mirrors a credential file into a Store. Whatever writes the
// file (a login command, a browser helper) acts as the auth flow: a new token
// logs in, an empty or deleted file logs out.
type FileSource struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
	once    sync.Once
}

// WatchFile loads path into store and keeps it in sync until Close. The
// parent directory is watched so editors that replace the file atomically
// are picked up.
func WatchFile(path string, store *Store, logger zerolog.Logger) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	f := &FileSource{
		path:    abs,
		store:   store,
		watcher: w,
		logger:  logger.With().Str("component", "credential-file").Logger(),
		done:    make(chan struct{}),
	}
	f.reload()

	go f.loop()
	return f, nil
}

// Close stops watching. The store keeps its last credential.
func (f *FileSource) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}

func (f *FileSource) loop() {
	var timer *time.Timer
	for {
		select {
		case <-f.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fileDebounce, f.reload)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (f *FileSource) reload() {
	cred, err := ReadCredentialFile(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("read credential")
		return
	}
	if cred == "" {
		f.store.Logout()
		return
	}
	f.store.Login(cred)
}

// ReadCredentialFile returns the trimmed file contents. A missing file reads
// as no credential.
func ReadCredentialFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
