package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads .rego policies from files and directories. A policy file may
// carry a YAML sidecar with the same base name (deny.rego, deny.yaml) that
// sets its description, severity, enabled flag and tags.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watcher     *fsnotify.Watcher
	reloadDelay time.Duration // debounces bursts of file events
}

// cachedPolicy is reused while neither the policy nor its sidecar changed.
type cachedPolicy struct {
	policy  *Policy
	version string
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cachedPolicy),
		reloadDelay: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads the policies under paths, sorted by name. A named
// file must load; broken files found while walking a directory are logged
// and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, root)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || filepath.Ext(path) != ".rego" {
				return err
			}
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
	}

	slices.SortFunc(out, func(a, b Policy) int { return strings.Compare(a.Name, b.Name) })
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

// loadFromFile reads one .rego file and its sidecar.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	if filepath.Ext(path) != ".rego" {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	version, err := fileVersion(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.version == version {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	p := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		UpdatedAt:   time.Now(),
	}
	if err := applySidecar(p, path); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, version: version}
	l.mu.Unlock()
	return p, nil
}

// fileVersion identifies the current contents of a policy and its sidecars
// by size and modification time.
func fileVersion(regoPath string) (string, error) {
	var b strings.Builder
	for i, path := range append([]string{regoPath}, sidecarPaths(regoPath)...) {
		info, err := os.Stat(path)
		switch {
		case i > 0 && errors.Is(err, fs.ErrNotExist):
			b.WriteString("-;")
			continue
		case err != nil:
			return "", fmt.Errorf("failed to stat policy: %w", err)
		}
		fmt.Fprintf(&b, "%d:%d;", info.Size(), info.ModTime().UnixNano())
	}
	return b.String(), nil
}

// sidecar is the YAML metadata file next to a policy.
type sidecar struct {
	Description string   `yaml:"description"`
	Severity    Severity `yaml:"severity"`
	Enabled     *bool    `yaml:"enabled"`
	Tags        []string `yaml:"tags"`
}

func sidecarPaths(regoPath string) []string {
	base := strings.TrimSuffix(regoPath, ".rego")
	return []string{base + ".yaml", base + ".yml"}
}

func applySidecar(p *Policy, regoPath string) error {
	for _, path := range sidecarPaths(regoPath) {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read policy metadata: %w", err)
		}

		var meta sidecar
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("failed to parse policy metadata %s: %w", path, err)
		}
		switch meta.Severity {
		case "":
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
			p.Severity = meta.Severity
		default:
			return fmt.Errorf("policy metadata %s: unknown severity %q", path, meta.Severity)
		}
		if meta.Description != "" {
			p.Description = meta.Description
		}
		if meta.Enabled != nil {
			p.Enabled = *meta.Enabled
		}
		if len(meta.Tags) > 0 {
			p.Tags = meta.Tags
		}
		p.Metadata["metadata"] = path
		return nil
	}
	return nil
}

// leadingComment joins the comment lines at the top of a Rego module.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}
