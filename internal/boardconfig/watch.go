package boardconfig

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchImmutable watches path (the board-type file Load read at startup)
// and logs a warning if it changes while the process is running. Board
// type is immutable for the process's lifetime: a change on disk means the
// host was reconfigured underneath a running gatewayd, which needs a
// restart to take effect, not a live reload.
func WatchImmutable(path string, log *zap.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if log != nil {
						log.Warn("board type file changed on disk; restart required to take effect",
							zap.String("path", path))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Error("board type watch error", zap.Error(err))
				}
			}
		}
	}()

	return watcher, nil
}
