package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ReloadInterval is the mtime poll period. fsnotify events only wake the
// loop early; the poll is the correctness backstop (editors that replace the
// file, network filesystems without inotify).
const ReloadInterval = 2 * time.Second

// Reloader watches the backing file and republishes the snapshot when its
// modification time changes and the new content validates. A document that
// fails validation is logged and dropped; the previous snapshot stays active.
type Reloader struct {
	store    *Store
	interval time.Duration
	lastMod  time.Time
	now      func() time.Time
}

func NewReloader(store *Store) *Reloader {
	r := &Reloader{
		store:    store,
		interval: ReloadInterval,
		now:      time.Now,
	}
	if fi, err := os.Stat(store.Path()); err == nil {
		r.lastMod = fi.ModTime()
	}
	return r
}

func (r *Reloader) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: atomic writes replace the file by rename,
		// which drops a watch placed on the file itself.
		if werr := watcher.Add(filepath.Dir(r.store.Path())); werr != nil {
			log.Warn("config watch unavailable, polling only", "err", werr)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-watcher.Events:
					if !ok {
						return
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	} else {
		log.Warn("fsnotify unavailable, polling only", "err", err)
	}

	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-wake:
		}
		if _, err := r.ReloadIfChanged(); err != nil {
			log.Error("config reload failed, keeping previous snapshot", "err", err)
		}
	}
}

// ReloadIfChanged stats the file and swaps in a new snapshot if the mtime
// moved and the content validates. Returns whether a swap happened.
func (r *Reloader) ReloadIfChanged() (bool, error) {
	fi, err := os.Stat(r.store.Path())
	if err != nil {
		return false, err
	}
	if !fi.ModTime().After(r.lastMod) {
		return false, nil
	}
	cfg, err := Load(r.store.Path())
	if err != nil {
		// Remember the mtime anyway so a broken file is not re-parsed
		// every tick until it changes again.
		r.lastMod = fi.ModTime()
		return false, err
	}
	r.lastMod = fi.ModTime()
	r.store.Publish(cfg)
	log.Info("config reloaded", "providers", len(cfg.Providers))
	return true, nil
}
