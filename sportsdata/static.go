package sportsdata

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/sportstream-go/frame"
)

//go:embed static/*.json
var embedded embed.FS

// StaticDocuments serves named JSON documents. Embedded defaults can be
// overridden by <name>.json files in a directory, which are reloaded when
// they change.
type StaticDocuments struct {
	dir      string
	log      *slog.Logger
	onChange func(name string)

	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

// StaticOption configures StaticDocuments.
type StaticOption func(*StaticDocuments)

// WithStaticLogger sets the logger.
func WithStaticLogger(l *slog.Logger) StaticOption {
	return func(d *StaticDocuments) {
		if l != nil {
			d.log = l
		}
	}
}

// WithOnChange registers fn to run after a document is reloaded.
func WithOnChange(fn func(name string)) StaticOption {
	return func(d *StaticDocuments) { d.onChange = fn }
}

// NewStaticDocuments loads the embedded documents and any overrides in dir.
// An empty dir serves the embedded set only.
func NewStaticDocuments(dir string, opts ...StaticOption) (*StaticDocuments, error) {
	d := &StaticDocuments{dir: dir, log: slog.Default(), docs: make(map[string]json.RawMessage)}
	for _, opt := range opts {
		opt(d)
	}

	entries, err := embedded.ReadDir("static")
	if err != nil {
		return nil, fmt.Errorf("read embedded documents: %w", err)
	}
	for _, e := range entries {
		b, err := embedded.ReadFile("static/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", e.Name(), err)
		}
		d.docs[strings.TrimSuffix(e.Name(), ".json")] = b
	}

	if dir == "" {
		return d, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, p := range matches {
		if _, err := d.load(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func docName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

func (d *StaticDocuments) load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(b) {
		return "", fmt.Errorf("%s is not valid JSON", path)
	}
	name := docName(path)
	d.mu.Lock()
	d.docs[name] = json.RawMessage(b)
	d.mu.Unlock()
	return name, nil
}

// Get returns the named document.
func (d *StaticDocuments) Get(name string) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.docs[name]
	if !ok {
		return nil, frame.Errorf(frame.CodeNotFound, "document %q not found", name)
	}
	return b, nil
}

// Names lists the available documents.
func (d *StaticDocuments) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.docs))
	for name := range d.docs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Watch reloads overrides as they change until ctx is done. Invalid JSON is
// logged and the previous version stays in service.
func (d *StaticDocuments) Watch(ctx context.Context) error {
	if d.dir == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".json" || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name, err := d.load(ev.Name)
			if err != nil {
				d.log.WarnContext(ctx, "static.reload.fail", slog.String("path", ev.Name), slog.String("err", err.Error()))
				continue
			}
			d.log.InfoContext(ctx, "static.reload.ok", slog.String("document", name))
			if d.onChange != nil {
				d.onChange(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.DebugContext(ctx, "static.watch.error", slog.String("err", err.Error()))
		}
	}
}
