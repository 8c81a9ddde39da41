// Package snapshot keeps the report history of each category: the latest
// text plus one timestamped copy per change, and a character diff against the
// previous report.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/PulseMakerWin/dss-ward/internal/metrics"
)

// LatestFile holds the most recent report of a category.
const LatestFile = "latest.txt"

// Full is the category of the full-system report, kept under log/.
const Full = "full"

// Dir returns the directory of a category below root.
func Dir(root, category string) string {
	if category == Full {
		return filepath.Join(root, "log")
	}
	return filepath.Join(root, category)
}

// Category maps a directory name back to its category.
func Category(dirName string) string {
	if dirName == "log" {
		return Full
	}
	return dirName
}

// Result of recording a report.
type Result struct {
	Changed bool
	// Snapshot is the path of the timestamped copy, empty when unchanged.
	Snapshot string
	// Diffs is the character diff from the previous report, empty when unchanged.
	Diffs []diffmatchpatch.Diff
}

// Recorder writes reports below Root.
type Recorder struct {
	Root string
	// Now names snapshots. Defaults to time.Now.
	Now func() time.Time
	Log *slog.Logger
}

// Latest returns the current report of a category, or "" when there is none.
func Latest(root, category string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(Dir(root, category), LatestFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest %s report: %w", category, err)
	}
	return string(raw), nil
}

// Record compares text with the latest report. Equal text changes nothing;
// anything else writes <unix-millis>.txt and replaces latest.txt.
func (r *Recorder) Record(category, text string) (Result, error) {
	prev, err := Latest(r.Root, category)
	if err != nil {
		metrics.Snapshots.WithLabelValues(category, "error").Inc()
		return Result{}, err
	}
	if prev == text {
		metrics.Snapshots.WithLabelValues(category, "unchanged").Inc()
		r.Log.Info("no changes since last lookup", "category", category)
		return Result{}, nil
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	dir := Dir(r.Root, category)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		metrics.Snapshots.WithLabelValues(category, "error").Inc()
		return Result{}, fmt.Errorf("create report dir: %w", err)
	}
	snap := filepath.Join(dir, strconv.FormatInt(now().UnixMilli(), 10)+".txt")
	for _, p := range []string{snap, filepath.Join(dir, LatestFile)} {
		if err := writeFile(p, text); err != nil {
			metrics.Snapshots.WithLabelValues(category, "error").Inc()
			return Result{}, fmt.Errorf("write report: %w", err)
		}
	}
	metrics.Snapshots.WithLabelValues(category, "changed").Inc()
	r.Log.Info("changes detected, created new file", "category", category, "snapshot", snap)

	dmp := diffmatchpatch.New()
	return Result{Changed: true, Snapshot: snap, Diffs: dmp.DiffMain(prev, text, false)}, nil
}

// writeFile replaces p through a temp file and rename, so readers of p never
// see a partly written report.
func writeFile(p, text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Categories lists the categories below root that have a latest report.
func Categories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), LatestFile)); err == nil {
			out = append(out, Category(e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
