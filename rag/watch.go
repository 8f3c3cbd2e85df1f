package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches a burst of file events into one re-digest.
var watchDebounce = 2 * time.Second

// Watch digests once, then re-digests whenever files under source change,
// until ctx is done. Re-digest errors are logged rather than fatal: a
// caption landing mid-copy should not kill the watcher.
func (ix *Indexer) Watch(ctx context.Context, kbName, source, pattern string, chunkSize int) error {
	if _, err := ix.Digest(ctx, kbName, source, pattern, chunkSize); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()
	if err := watchTree(w, source); err != nil {
		return err
	}
	ix.log.Infof("watching %s for caption changes", source)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// new uploader directories need their own watch
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(w, ev.Name); err != nil {
						ix.log.Warnf("watch %s: %v", ev.Name, err)
					}
				}
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ix.log.Warnf("watcher: %v", err)
		case <-debounce:
			debounce = nil
			if _, err := ix.Digest(ctx, kbName, source, pattern, chunkSize); err != nil {
				ix.log.Warnf("re-digest of kb %s failed: %v", kbName, err)
			}
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
