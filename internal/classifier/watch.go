package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 250 * time.Millisecond

// Watch blocks until ctx is done, calling onPublish whenever CURRENT names a
// version different from the last one seen. Bursts of filesystem events are
// coalesced so a publish triggers a single callback.
func (s *ArtifactStore) Watch(ctx context.Context, onPublish func(version string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	last, _ := s.CurrentVersion()
	target := filepath.Join(s.root, currentFile)

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("artifact watcher error")
		case <-timer.C:
			version, err := s.CurrentVersion()
			if err != nil {
				logrus.WithError(err).Warn("read current artifact version")
				continue
			}
			if version == last {
				continue
			}
			last = version
			onPublish(version)
		}
	}
}
