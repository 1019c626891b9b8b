package configfile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor write bursts (temp+rename shows up as several
// events) into one reload.
const debounce = 250 * time.Millisecond

// Watch re-reads the file on filesystem changes and swaps the snapshot when
// the new content validates; invalid edits are logged and ignored, keeping
// the last good snapshot live.  onChange (optional) observes each accepted
// snapshot.  Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, onChange func(map[string]string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: rename-based writes replace the
	// inode and would silently detach a file watch.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", "error", err)
		case <-fire:
			m.reload(onChange)
		}
	}
}

func (m *Manager) reload(onChange func(map[string]string)) {
	cfg, err := m.Read()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		m.log.Warn("ignoring invalid config edit", "error", err)
		return
	}
	m.snapshot.Store(&cfg)
	m.log.Info("config reloaded", "keys", len(cfg))
	if onChange != nil {
		onChange(cfg)
	}
}
