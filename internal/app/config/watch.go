package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const reloadDebounce = 150 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with every
// configuration that loads and validates. Invalid edits are logged and
// skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger logr.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err, "config watcher error")
		case <-fire:
			cfg, err := Load(abs)
			if err != nil {
				logger.Error(err, "ignoring invalid configuration", "path", abs)
				continue
			}
			logger.Info("configuration reloaded", "path", abs, "instruments", len(cfg.Instruments))
			onChange(cfg)
		}
	}
}

// InstrumentDiff lists what changed between two instrument sets.
type InstrumentDiff struct {
	Added   []InstrumentConfig
	Removed []string
	Changed []InstrumentConfig
}

func (d InstrumentDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares the instruments of two configurations by id.
func Diff(old, next []InstrumentConfig) InstrumentDiff {
	var d InstrumentDiff
	prev := make(map[string]InstrumentConfig, len(old))
	for _, in := range old {
		prev[in.ID] = in
	}
	kept := make(map[string]bool, len(next))
	for _, in := range next {
		kept[in.ID] = true
		p, ok := prev[in.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, in)
		case !reflect.DeepEqual(p, in):
			d.Changed = append(d.Changed, in)
		}
	}
	for _, in := range old {
		if !kept[in.ID] {
			d.Removed = append(d.Removed, in.ID)
		}
	}
	return d
}
