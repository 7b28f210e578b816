package hostinfo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/bilal/edr-agent/internal/clock"
	"github.com/bilal/edr-agent/internal/telemetry"
)

// FSWatcher watches a set of directory trees and reports every change as
// a telemetry.FileEvent. Directories created under a root are watched as
// soon as their create event arrives.
type FSWatcher struct {
	roots   []string
	hashMax int64
	clk     clock.Clock
	ignore  []string
}

// NewFSWatcher returns a watcher over roots. Created or modified regular
// files no larger than hashMax bytes carry a SHA-256 digest; hashMax <= 0
// disables hashing.
func NewFSWatcher(roots []string, hashMax int64, clk clock.Clock) *FSWatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &FSWatcher{roots: roots, hashMax: hashMax, clk: clk}
}

// Ignore drops events for every path that starts with one of prefixes. The
// agent passes its queue path so its own appends, drain temp files and lock
// file never feed back into the queue.
func (w *FSWatcher) Ignore(prefixes ...string) *FSWatcher {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		w.ignore = append(w.ignore, filepath.Clean(p))
	}
	return w
}

func (w *FSWatcher) ignored(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	for _, p := range w.ignore {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (w *FSWatcher) Watch(ctx context.Context) (<-chan telemetry.FileEvent, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	for _, root := range w.roots {
		if err := addTree(fw, root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("cannot watch root")
			continue
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return nil, errors.New("no watch root could be added")
	}

	out := make(chan telemetry.FileEvent, 64)
	go w.loop(ctx, fw, out)
	return out, nil
}

func (w *FSWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, out chan<- telemetry.FileEvent) {
	defer close(out)
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watch error")
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			fe, keep := w.translate(fw, ev)
			if !keep {
				continue
			}
			select {
			case out <- fe:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *FSWatcher) translate(fw *fsnotify.Watcher, ev fsnotify.Event) (telemetry.FileEvent, bool) {
	if w.ignored(ev.Name) {
		return telemetry.FileEvent{}, false
	}
	fe := telemetry.FileEvent{Path: ev.Name, Timestamp: w.clk.Now().Unix()}
	switch {
	case ev.Has(fsnotify.Create):
		fe.Kind = telemetry.FileCreate
		if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
			if err := addTree(fw, ev.Name); err != nil {
				log.Debug().Err(err).Str("path", ev.Name).Msg("cannot watch new directory")
			}
		}
	case ev.Has(fsnotify.Remove):
		fe.Kind = telemetry.FileRemove
	case ev.Has(fsnotify.Rename):
		fe.Kind = telemetry.FileRename
	case ev.Has(fsnotify.Write):
		fe.Kind = telemetry.FileModify
	default:
		// chmod only
		return fe, false
	}

	if fe.Kind == telemetry.FileCreate || fe.Kind == telemetry.FileModify {
		fe.SHA256 = hashFile(ev.Name, w.hashMax)
	}
	return fe, true
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			if path == root {
				return err
			}
			log.Debug().Err(err).Str("path", path).Msg("skip directory")
			return filepath.SkipDir
		}
		return nil
	})
}

// hashFile returns the hex SHA-256 of a regular file, or "" when the file
// is gone, not regular, or larger than max.
func hashFile(path string, max int64) string {
	if max <= 0 {
		return ""
	}
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() > max {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, max+1)); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
