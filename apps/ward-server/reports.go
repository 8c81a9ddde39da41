package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/PulseMakerWin/dss-ward/internal/snapshot"
)

// namePattern is what a category or graph name may look like in a URL.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validName(s string) bool { return namePattern.MatchString(s) }

// reportIndex holds the latest report of every category in memory.
type reportIndex struct {
	root string
	log  *slog.Logger

	mu      sync.RWMutex
	reports map[string]string
}

func newReportIndex(root string, log *slog.Logger) *reportIndex {
	return &reportIndex{root: root, log: log, reports: make(map[string]string)}
}

// reload rereads every category's latest report.
func (x *reportIndex) reload() error {
	cats, err := snapshot.Categories(x.root)
	if err != nil {
		return err
	}
	reports := make(map[string]string, len(cats))
	for _, c := range cats {
		text, err := snapshot.Latest(x.root, c)
		if err != nil {
			return err
		}
		reports[c] = text
	}
	x.mu.Lock()
	x.reports = reports
	x.mu.Unlock()
	x.log.Info("reports loaded", "categories", len(reports))
	return nil
}

func (x *reportIndex) get(category string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	text, ok := x.reports[category]
	return text, ok
}

func (x *reportIndex) categories() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.reports))
	for c := range x.reports {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// watch reloads the index whenever a latest report is written. New category
// directories are watched as they appear.
func (x *reportIndex) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := os.MkdirAll(x.root, 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := w.Add(x.root); err != nil {
		return fmt.Errorf("watch %s: %w", x.root, err)
	}
	entries, err := os.ReadDir(x.root)
	if err != nil {
		return fmt.Errorf("list %s: %w", x.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			x.addWatch(w, filepath.Join(x.root, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					x.addWatch(w, ev.Name)
					continue
				}
			}
			if filepath.Base(ev.Name) == snapshot.LatestFile && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				if err := x.reload(); err != nil {
					x.log.Warn("reload reports", "err", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if err := x.reload(); err != nil {
					x.log.Warn("reload reports", "err", err)
				}
				continue
			}
			x.log.Warn("watcher error", "err", err)
		}
	}
}

func (x *reportIndex) addWatch(w *fsnotify.Watcher, dir string) {
	if err := w.Add(dir); err != nil {
		x.log.Warn("watch report dir", "dir", dir, "err", err)
	}
}
