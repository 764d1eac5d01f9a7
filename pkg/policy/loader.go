package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policy definitions from disk. A .rego file becomes a
// warning-severity policy named after the file, with its description taken
// from the leading comment block; a .json file carries a full Policy
// document. Loaded files are cached by path until invalidated.
type Loader struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{
		log:   log.With().Str("component", "policy-loader").Logger(),
		cache: make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy under the given files and directories.
// Directories are walked recursively; files inside them that fail to parse
// are skipped with a warning, but a path named directly must load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var loaded []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, *p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(file) {
				return err
			}
			p, err := l.loadFromFile(ctx, file)
			if err != nil {
				l.log.Warn().Err(err).Str("path", file).Msg("Skipping unparsable policy file")
				return nil
			}
			loaded = append(loaded, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy directory %s: %w", path, err)
		}
	}

	l.log.Info().Int("policies", len(loaded)).Int("sources", len(paths)).Msg("Policies loaded")
	return loaded, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(ctx context.Context, path string) (*Policy, error) {
	l.mu.RLock()
	cached := l.cache[path]
	l.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = policyFromRego(path, data)
	case strings.HasSuffix(path, ".json"):
		if p, err = policyFromJSON(data); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("policy %s: only .rego and .json files are supported", path)
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.log.Debug().Str("policy", p.Name).Str("path", path).Msg("Loaded policy file")
	return p, nil
}

func policyFromRego(path string, data []byte) *Policy {
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func policyFromJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.Rego == "" {
		return nil, fmt.Errorf("policy document needs name and rego")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return &p, nil
}

// leadingComment collects the comment block at the top of a rego file,
// stopping at the first line of code.
func leadingComment(src string) string {
	var b strings.Builder
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#"):
			text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(text)
		case line == "":
			continue
		default:
			return b.String()
		}
	}
	return b.String()
}

// Watch reloads policies from paths whenever a policy file changes and
// hands the fresh set to apply. Reloads are debounced; the watch ends
// when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, paths, apply)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, paths []string, apply func([]Policy) error) {
	defer l.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = apply(policies)
				}
				if err != nil {
					l.log.Error().Err(err).Msg("Policy reload failed")
					return
				}
				l.log.Info().Int("policies", len(policies)).Msg("Policies reloaded")
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache drops all cached policy files.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}
