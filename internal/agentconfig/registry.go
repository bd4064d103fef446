package agentconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	jsonschemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/agcluster/gateway/internal/config"
)

// Registry loads AgentConfig presets and persisted custom configs from disk
// and serves read-only lookups plus custom-config persistence.
//
// Presets always win over a custom config with the same ID; a shadowed
// custom config is kept out of the lookup table and logged once at load.
type Registry struct {
	log *slog.Logger

	presetDir string
	customDir string

	mu       sync.RWMutex
	presets  map[string]*AgentConfig
	customs  map[string]*AgentConfig
	schema   *jsonschema.Schema
	watcher  *fsnotify.Watcher
}

// NewRegistry constructs a Registry and performs its initial load. logger
// may be nil, in which case slog.Default() is used.
func NewRegistry(presetDir, customDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile agent config schema: %w", err)
	}

	r := &Registry{
		log:       logger,
		presetDir: presetDir,
		customDir: customDir,
		presets:   map[string]*AgentConfig{},
		customs:   map[string]*AgentConfig{},
		schema:    schema,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts an fsnotify watch on both directories and reloads the
// registry on any write/create/remove/rename event. It returns once the
// watcher is armed; reload errors during the watch loop are logged, not
// returned, matching the "load errors are non-fatal" failure semantics.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, dir := range []string{r.presetDir, r.customDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return fmt.Errorf("create config dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch config dir %s: %w", dir, err)
		}
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.log.Error("config registry reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Error("config registry watch error", "error", err)
			}
		}
	}()
	return nil
}

// reload re-reads both directories from scratch. Per-file load errors are
// logged and the file is skipped; the reload as a whole never fails for
// that reason.
func (r *Registry) reload() error {
	presets, err := loadDir(r.presetDir, r.schema, r.log)
	if err != nil {
		return err
	}
	customs, err := loadDir(r.customDir, r.schema, r.log)
	if err != nil {
		return err
	}

	for id := range customs {
		if _, shadowed := presets[id]; shadowed {
			r.log.Warn("custom config shadowed by preset with the same id", "id", id)
			delete(customs, id)
		}
	}

	r.mu.Lock()
	r.presets = presets
	r.customs = customs
	r.mu.Unlock()
	return nil
}

// loadDir walks dir recursively for *.yaml/*.yml files, parses and
// validates each against the AgentConfig schema, and returns the ones that
// pass keyed by ID. dir may not exist yet (first run before any custom
// config has ever been written); that is not an error.
func loadDir(dir string, schema *jsonschema.Schema, log *slog.Logger) (map[string]*AgentConfig, error) {
	out := map[string]*AgentConfig{}
	loadedFrom := map[string]string{}
	if dir == "" {
		return out, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return out, nil
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		cfg, err := loadFile(path, schema)
		if err != nil {
			log.Error("skipping invalid agent config", "path", path, "error", err)
			return nil
		}
		if _, dup := out[cfg.ID]; dup {
			log.Error("skipping agent config with duplicate id", "path", path, "id", cfg.ID, "already_loaded_from", loadedFrom[cfg.ID])
			return nil
		}
		out[cfg.ID] = cfg
		loadedFrom[cfg.ID] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk config dir %s: %w", dir, err)
	}
	return out, nil
}

// loadFile reads an agent config file, resolving any $include directives
// relative to the including file's directory (with cycle detection) before
// schema validation — the same include-and-merge convention
// internal/config.LoadRaw applies to the gateway's own top-level
// configuration file.
func loadFile(path string, schema *jsonschema.Schema) (*AgentConfig, error) {
	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("resolve includes: %w", err)
	}

	if schema != nil {
		if err := schema.Validate(raw); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal merged config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	cfg.ApplyDefaults()
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("%d validation error(s), first: %s", len(errs), errs[0].Error())
	}
	return &cfg, nil
}

// compiledSchema generates a JSON Schema from the AgentConfig struct and
// compiles it once via santhosh-tekuri/jsonschema, the same
// generate-then-compile flow used for the gateway's own top-level config.
func compiledSchema() (*jsonschema.Schema, error) {
	reflector := &jsonschemagen.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&AgentConfig{})
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agentconfig.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("agentconfig.json")
}

// List returns a summary of every loaded config, presets first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.presets)+len(r.customs))
	for _, cfg := range r.presets {
		out = append(out, cfg.summary())
	}
	for _, cfg := range r.customs {
		out = append(out, cfg.summary())
	}
	return out
}

// ErrNotFound is returned by Get when no config matches the given ID.
var ErrNotFound = fmt.Errorf("agent config not found")

// Get looks up a config by ID, preset first then custom.
func (r *Registry) Get(id string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.presets[id]; ok {
		return cfg, nil
	}
	if cfg, ok := r.customs[id]; ok {
		return cfg, nil
	}
	return nil, ErrNotFound
}

// ErrConflict is returned by PutCustom when the ID collides with a preset.
var ErrConflict = fmt.Errorf("id collides with an existing preset")

// PutCustom validates cfg and persists it under the custom directory,
// rejecting IDs that collide with a preset.
func (r *Registry) PutCustom(cfg *AgentConfig) error {
	cfg.ApplyDefaults()
	if errs := Validate(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", errs[0].Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.presets[cfg.ID]; exists {
		return ErrConflict
	}

	if err := os.MkdirAll(r.customDir, 0o755); err != nil {
		return fmt.Errorf("create custom config dir: %w", err)
	}
	path := filepath.Join(r.customDir, cfg.ID+".yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write custom config: %w", err)
	}

	r.customs[cfg.ID] = cfg
	return nil
}

// ValidateInline exposes schema + invariant validation without persisting,
// for clients that pass a config inline rather than by ID.
func ValidateInline(cfg *AgentConfig) []ValidationError {
	cfg.ApplyDefaults()
	return Validate(cfg)
}
