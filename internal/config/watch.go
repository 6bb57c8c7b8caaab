package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// NotifyRulesWatcher monitors the notification rules file and invokes the
// supplied callback whenever the document changes. Stop must be called to
// release filesystem resources.
type NotifyRulesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *NotifyRulesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchNotifyRules wires fsnotify around the rules file and reloads it on any
// relevant change. The initial document is delivered through onChange before
// the watcher returns so callers start from a consistent state.
func WatchNotifyRules(ctx context.Context, path string, onChange func(NotifyRules), onError func(error)) (*NotifyRulesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch notify rules requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no notify rules file configured for watching")
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve notify rules file: %w", err)
	}
	target := filepath.Clean(resolved)

	rules, err := LoadNotifyRules(target)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch notify rules: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	onChange(rules)

	done := make(chan struct{})
	watch := &NotifyRulesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch notify rules close: %w", err))
			}
		}()

		reload := func() {
			rules, err := LoadNotifyRules(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(rules)
		}

		// Editors rewrite files with bursts of events; collapse them into one
		// reload per burst.
		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch notify rules: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
