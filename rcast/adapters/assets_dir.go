package adapters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// assetFiles maps fixed assets to their file names inside the assets dir.
var assetFiles = map[ports.AssetName]string{
	ports.AssetOversized:     "oversized.webp",
	ports.AssetEasterEgg:     "easteregg.webp",
	ports.AssetStart:         "start.webp",
	ports.AssetFavicon:       "favicon.ico",
	ports.AssetClientError:   "clienterror.webp",
	ports.AssetTerminalError: "error.webp",
}

// TransitionFile is the file name of the level-exit image for (episode, map).
func TransitionFile(episode, mapNum int) string {
	return fmt.Sprintf("transition_%d%d.webp", episode, mapNum)
}

// DirAssets serves static assets from a directory, held in memory.
// Watch keeps the copy in sync with the directory.
type DirAssets struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	files map[string][]byte
}

// NewDirAssets loads every regular file in dir.
func NewDirAssets(dir string, logger zerolog.Logger) (*DirAssets, error) {
	a := &DirAssets{
		dir:    dir,
		logger: logger.With().Str("component", "assets").Logger(),
		files:  make(map[string][]byte),
	}
	if err := a.loadAll(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *DirAssets) loadAll() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read assets dir %s: %w", a.dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			a.reload(filepath.Join(a.dir, e.Name()))
		}
	}
	a.logger.Info().Str("dir", a.dir).Int("files", len(a.files)).Msg("assets loaded")
	return nil
}

// reload refreshes one file; a missing file is dropped.
func (a *DirAssets) reload(path string) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn().Err(err).Str("file", name).Msg("failed to read asset")
		}
		delete(a.files, name)
		return
	}
	a.files[name] = data
}

// Get returns a fixed asset.
func (a *DirAssets) Get(name ports.AssetName) ([]byte, bool) {
	file, ok := assetFiles[name]
	if !ok {
		return nil, false
	}
	return a.file(file)
}

// Transition returns the level-exit image for (episode, mapNum).
func (a *DirAssets) Transition(episode, mapNum int) ([]byte, bool) {
	return a.file(TransitionFile(episode, mapNum))
}

func (a *DirAssets) file(name string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.files[name]
	return data, ok
}

// Watch reloads assets as files in the directory change, until ctx is done.
func (a *DirAssets) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create assets watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(a.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				a.reload(event.Name)
				a.logger.Debug().Str("file", filepath.Base(event.Name)).Str("op", event.Op.String()).Msg("asset changed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(err).Msg("assets watcher error")
		}
	}
}

// Ensure DirAssets implements the Assets interface.
var _ ports.Assets = (*DirAssets)(nil)
