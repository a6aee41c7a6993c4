package credwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Installer receives credentials written to the token file
type Installer interface {
	Token(ctx context.Context) (string, error)
	InstallCredential(ctx context.Context, token string) error
}

// Watcher installs the contents of a token file whenever it changes. The
// parent directory is watched so editors that replace the file still trigger.
type Watcher struct {
	path    string
	install Installer
	logger  *zap.Logger
	last    string
}

func New(path string, install Installer, logger *zap.Logger) *Watcher {
	return &Watcher{path: filepath.Clean(path), install: install, logger: logger}
}

// Run blocks until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.initial(ctx)
	w.logger.Info("Watching token file", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Token file watcher error", zap.Error(err))
		}
	}
}

// initial installs a token written while the agent was down, unless it is
// the one already stored.
func (w *Watcher) initial(ctx context.Context) {
	token, err := w.read()
	if err != nil || token == "" {
		return
	}
	w.last = token
	current, err := w.install.Token(ctx)
	if err == nil && current == token {
		return
	}
	w.apply(ctx, token)
}

func (w *Watcher) reload(ctx context.Context) {
	token, err := w.read()
	if err != nil {
		w.logger.Warn("Failed to read token file", zap.Error(err))
		return
	}
	// editors often truncate first, producing an empty intermediate write
	if token == "" || token == w.last {
		return
	}
	w.last = token
	w.apply(ctx, token)
}

func (w *Watcher) apply(ctx context.Context, token string) {
	if err := w.install.InstallCredential(ctx, token); err != nil {
		w.logger.Error("Failed to install credential from file", zap.Error(err))
		return
	}
	w.logger.Info("Credential installed from token file")
}

func (w *Watcher) read() (string, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
