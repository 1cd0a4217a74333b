package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openfroyo/rollout/pkg/stores"
	"github.com/openfroyo/rollout/pkg/telemetry"
	"github.com/openfroyo/rollout/pkg/transports/ssh"
)

// DefaultSettingsFile is looked up in the working directory when no
// settings path is given.
const DefaultSettingsFile = "rollout.toml"

// Settings is the operator configuration of the rollout binary, read from a
// TOML file. Relative paths are resolved against the file's directory.
type Settings struct {
	Model     ModelSettings     `toml:"model"`
	Telemetry telemetry.Config  `toml:"telemetry"`
	Store     stores.Config     `toml:"store"`
	SSH       ssh.Defaults      `toml:"ssh"`
	Secrets   SecretsSettings   `toml:"secrets"`
	Policy    PolicySettings    `toml:"policy"`
	Locks     LocksSettings     `toml:"locks"`
	Workspace WorkspaceSettings `toml:"workspace"`
}

// ModelSettings locates the CUE model.
type ModelSettings struct {
	// Paths are CUE files or package directories.
	Paths []string `toml:"paths"`

	// ScriptTimeout bounds every Starlark snippet call.
	ScriptTimeout time.Duration `toml:"script_timeout"`
}

// SecretsSettings locates the per-class master keys.
type SecretsSettings struct {
	// KeyDir holds <class>.key files. ROLLOUT_KEY_<CLASS> wins over them.
	KeyDir string `toml:"key_dir"`
}

// PolicySettings configures variable access policies.
type PolicySettings struct {
	// Paths are Rego files or directories added to the built-in policies.
	Paths []string `toml:"paths"`

	// FailClosed denies access when a policy cannot be evaluated.
	FailClosed bool `toml:"fail_closed"`

	Timeout time.Duration `toml:"timeout"`

	// Watch reloads Paths when they change.
	Watch bool `toml:"watch"`
}

// LocksSettings configures the file-backed resource operator.
type LocksSettings struct {
	Dir        string        `toml:"dir"`
	RetryDelay time.Duration `toml:"retry_delay"`
}

// WorkspaceSettings configures per-build scratch directories.
type WorkspaceSettings struct {
	Root string `toml:"root"`

	// Keep leaves build directories in place after the build.
	Keep bool `toml:"keep"`
}

// DefaultSettings returns settings that keep all state under .rollout in
// the working directory.
func DefaultSettings() *Settings {
	return &Settings{
		Model: ModelSettings{
			Paths:         []string{"."},
			ScriptTimeout: 30 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
		Store: stores.Config{
			Path:            filepath.Join(".rollout", "rollout.db"),
			MaxOpenConns:    8,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		SSH:     ssh.DefaultDefaults(),
		Secrets: SecretsSettings{KeyDir: filepath.Join(".rollout", "keys")},
		Policy:  PolicySettings{Timeout: 2 * time.Second},
		Locks: LocksSettings{
			Dir:        filepath.Join(".rollout", "locks"),
			RetryDelay: 200 * time.Millisecond,
		},
		Workspace: WorkspaceSettings{Root: filepath.Join(".rollout", "builds")},
	}
}

// LoadSettings reads path over DefaultSettings. An empty path falls back to
// DefaultSettingsFile when it exists and to the defaults otherwise. Unknown
// keys are an error.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path == "" {
		if _, err := os.Stat(DefaultSettingsFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return s, s.Validate()
			}
			return nil, err
		}
		path = DefaultSettingsFile
	}

	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown settings: %s", path, strings.Join(keys, ", "))
	}

	s.resolve(filepath.Dir(path))
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// resolve makes relative paths relative to base.
func (s *Settings) resolve(base string) {
	abs := func(p string) string {
		if p == "" || p == stores.MemoryPath || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, p := range s.Model.Paths {
		s.Model.Paths[i] = abs(p)
	}
	for i, p := range s.Policy.Paths {
		s.Policy.Paths[i] = abs(p)
	}
	s.Store.Path = abs(s.Store.Path)
	s.Secrets.KeyDir = abs(s.Secrets.KeyDir)
	s.Locks.Dir = abs(s.Locks.Dir)
	s.Workspace.Root = abs(s.Workspace.Root)
	if s.SSH.PrivateKeyPath != "" {
		s.SSH.PrivateKeyPath = abs(s.SSH.PrivateKeyPath)
	}
}

// Validate checks the settings for values that cannot work.
func (s *Settings) Validate() error {
	if len(s.Model.Paths) == 0 {
		return fmt.Errorf("model.paths must not be empty")
	}
	if s.Model.ScriptTimeout <= 0 {
		return fmt.Errorf("model.script_timeout must be positive")
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if s.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if err := s.SSH.Validate(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	if s.Policy.Timeout < 0 {
		return fmt.Errorf("policy.timeout must not be negative")
	}
	if s.Locks.Dir == "" {
		return fmt.Errorf("locks.dir is required")
	}
	if s.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	return nil
}
