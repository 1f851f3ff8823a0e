// Package sessionsfile reads the YAML list of sessions to start at boot and
// keeps starting newly listed ones while the file changes.
//
//	sessions:
//	  - id: sales
//	  - id: support
package sessionsfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/switchboard/pkg/session"
)

const DefaultDebounce = 200 * time.Millisecond

type Entry struct {
	ID string `yaml:"id"`
}

type File struct {
	Sessions []Entry `yaml:"sessions"`
}

// Parse returns the listed ids in file order, trimmed and without
// duplicates.
func Parse(data []byte) ([]string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse sessions file")
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(f.Sessions))
	for _, e := range f.Sessions {
		id := strings.TrimSpace(e.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read sessions file %s", path)
	}
	return Parse(data)
}

type Starter interface {
	Start(ctx context.Context, id string) (session.Session, error)
}

// Watcher starts every id the file lists, once. Ids removed from the file
// are left running.
type Watcher struct {
	path     string
	starter  Starter
	debounce time.Duration

	mu      sync.Mutex
	started map[string]bool
}

func NewWatcher(path string, starter Starter) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sessions file: empty path")
	}
	if starter == nil {
		return nil, errors.New("sessions file: starter is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "sessions file: resolve path")
	}
	return &Watcher{path: abs, starter: starter, debounce: DefaultDebounce, started: map[string]bool{}}, nil
}

// Sync loads the file and starts ids not started before. It returns the ids
// started by this call.
func (w *Watcher) Sync(ctx context.Context) ([]string, error) {
	ids, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var started []string
	for _, id := range ids {
		if w.started[id] {
			continue
		}
		if _, err := w.starter.Start(ctx, id); err != nil {
			log.Warn().Err(err).Str("component", "sessionsfile").Str("session_id", id).Msg("start session failed")
			continue
		}
		w.started[id] = true
		started = append(started, id)
	}
	if len(started) > 0 {
		log.Info().Str("component", "sessionsfile").Strs("session_ids", started).Msg("sessions started from file")
	}
	return started, nil
}

// Run syncs once, then watches the file's directory until ctx is done.
// Editors often replace the file instead of writing it, so the directory is
// watched and events are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("sessions file: ctx is nil")
	}
	if _, err := w.Sync(ctx); err != nil {
		log.Warn().Err(err).Str("component", "sessionsfile").Str("path", w.path).Msg("initial sync failed")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "sessions file: create watcher")
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "sessions file: watch %s", filepath.Dir(w.path))
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if _, err := w.Sync(ctx); err != nil {
				log.Warn().Err(err).Str("component", "sessionsfile").Str("path", w.path).Msg("reload failed")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("component", "sessionsfile").Msg("watch error")
		}
	}
}
