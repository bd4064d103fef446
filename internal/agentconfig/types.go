// Package agentconfig defines the declarative AgentConfig schema and the
// registry that loads, validates, and serves it.
package agentconfig

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// PermissionMode controls how much autonomy the harness grants an agent.
type PermissionMode string

const (
	PermissionDefault          PermissionMode = "default"
	PermissionAcceptEdits      PermissionMode = "acceptEdits"
	PermissionPlan             PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// SubAgentModel is the closed vocabulary of models a sub-agent may pin to.
type SubAgentModel string

const (
	ModelSonnet  SubAgentModel = "sonnet"
	ModelOpus    SubAgentModel = "opus"
	ModelHaiku   SubAgentModel = "haiku"
	ModelInherit SubAgentModel = "inherit"
)

// idPattern is the allowed shape for an AgentConfig ID.
var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// KnownTools is the closed vocabulary allowed_tools and sub-agent tools must
// draw from.
var KnownTools = map[string]bool{
	"read_file": true, "write_file": true, "edit_file": true,
	"list_directory": true, "search_files": true, "execute_code": true,
	"execute_bash": true, "web_search": true, "web_fetch": true,
	"browser": true, "git": true, "todo_write": true, "todo_read": true,
	"task": true, "glob": true, "grep": true, "notebook_edit": true,
}

// SystemPromptKind tags the SystemPrompt union.
type SystemPromptKind string

const (
	SystemPromptString SystemPromptKind = "string"
	SystemPromptPreset SystemPromptKind = "preset"
)

// SystemPrompt is a tagged union: either a free-form string or a named
// preset with an optional appended suffix.
type SystemPrompt struct {
	Kind   SystemPromptKind `json:"-" yaml:"-"`
	Text   string           `json:"text,omitempty" yaml:"-"`
	Preset string           `json:"preset,omitempty" yaml:"-"`
	Append string           `json:"append,omitempty" yaml:"-"`
}

// UnmarshalYAML accepts either a bare scalar string or a mapping
// {kind: preset, preset: ..., append: ...}.
func (s *SystemPrompt) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		s.Kind = SystemPromptString
		s.Text = scalar
		return nil
	}

	var tagged struct {
		Kind   string `yaml:"kind"`
		Preset string `yaml:"preset"`
		Append string `yaml:"append"`
	}
	if err := unmarshal(&tagged); err != nil {
		return fmt.Errorf("system_prompt must be a string or {kind, preset, append}: %w", err)
	}
	if tagged.Kind != "" && tagged.Kind != "preset" {
		return fmt.Errorf("system_prompt.kind must be %q, got %q", "preset", tagged.Kind)
	}
	if tagged.Preset == "" {
		return fmt.Errorf("system_prompt.preset is required for a tagged system prompt")
	}
	s.Kind = SystemPromptPreset
	s.Preset = tagged.Preset
	s.Append = tagged.Append
	return nil
}

// MarshalYAML renders the union back to its canonical shape.
func (s SystemPrompt) MarshalYAML() (any, error) {
	if s.Kind == SystemPromptPreset {
		return struct {
			Kind   string `yaml:"kind"`
			Preset string `yaml:"preset"`
			Append string `yaml:"append,omitempty"`
		}{Kind: "preset", Preset: s.Preset, Append: s.Append}, nil
	}
	return s.Text, nil
}

// UnmarshalJSON mirrors UnmarshalYAML for the inline-launch HTTP path, where
// system_prompt arrives as either a JSON string or a tagged object.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var scalar string
	if err := json.Unmarshal(data, &scalar); err == nil {
		s.Kind = SystemPromptString
		s.Text = scalar
		return nil
	}

	var tagged struct {
		Kind   string `json:"kind"`
		Preset string `json:"preset"`
		Append string `json:"append"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("system_prompt must be a string or {kind, preset, append}: %w", err)
	}
	if tagged.Kind != "" && tagged.Kind != "preset" {
		return fmt.Errorf("system_prompt.kind must be %q, got %q", "preset", tagged.Kind)
	}
	if tagged.Preset == "" {
		return fmt.Errorf("system_prompt.preset is required for a tagged system prompt")
	}
	s.Kind = SystemPromptPreset
	s.Preset = tagged.Preset
	s.Append = tagged.Append
	return nil
}

// MarshalJSON renders the union back to its canonical JSON shape.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Kind == SystemPromptPreset {
		return json.Marshal(struct {
			Kind   string `json:"kind"`
			Preset string `json:"preset"`
			Append string `json:"append,omitempty"`
		}{Kind: "preset", Preset: s.Preset, Append: s.Append})
	}
	return json.Marshal(s.Text)
}

// SubAgent is a named delegate configuration nested inside an AgentConfig.
type SubAgent struct {
	Description string        `yaml:"description" json:"description"`
	Prompt      string        `yaml:"prompt" json:"prompt"`
	Tools       []string      `yaml:"tools,omitempty" json:"tools,omitempty"`
	Model       SubAgentModel `yaml:"model,omitempty" json:"model,omitempty"`
}

// McpTransport tags the McpServer union.
type McpTransport string

const (
	McpStdio McpTransport = "stdio"
	McpSse   McpTransport = "sse"
	McpHttp  McpTransport = "http"
)

// McpServer is a tagged union over transport: stdio servers are spawned as
// a subprocess inside the container; sse/http servers are addressed by URL.
type McpServer struct {
	Kind McpTransport `yaml:"kind" json:"kind"`

	// Stdio fields.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Sse/Http fields.
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Validate checks the server configuration for security issues and that
// required fields for its transport are present. It does not resolve
// ${VAR} placeholders; that happens at launch time against per-session env.
func (m *McpServer) Validate(key string) error {
	switch m.Kind {
	case McpStdio:
		if m.Command == "" {
			return fmt.Errorf("mcp server %q: command is required for stdio transport", key)
		}
		if err := validatePath(m.Command); err != nil {
			return fmt.Errorf("mcp server %q: %w", key, err)
		}
		for i, arg := range m.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("mcp server %q: arg[%d] contains suspicious shell metacharacters: %q", key, i, arg)
			}
		}
	case McpSse, McpHttp:
		if m.URL == "" {
			return fmt.Errorf("mcp server %q: url is required for %s transport", key, m.Kind)
		}
		if !strings.HasPrefix(m.URL, "http://") && !strings.HasPrefix(m.URL, "https://") {
			return fmt.Errorf("mcp server %q: url must start with http:// or https://", key)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown transport kind %q", key, m.Kind)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("path contains traversal: %q", path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ResourceCaps bounds a container spawned from this config.
type ResourceCaps struct {
	CPUQuotaMicros int    `yaml:"cpu_quota_micros" json:"cpu_quota_micros"`
	MemoryLimit    string `yaml:"memory_limit" json:"memory_limit"`
	StorageLimit   string `yaml:"storage_limit" json:"storage_limit"`
}

// defaultResourceCaps returns the documented defaults from §3.
func defaultResourceCaps() ResourceCaps {
	return ResourceCaps{CPUQuotaMicros: 200000, MemoryLimit: "4g", StorageLimit: "10g"}
}

// AgentConfig is the declarative specification of an agent preset.
type AgentConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`

	AllowedTools   []string        `yaml:"allowed_tools" json:"allowed_tools"`
	SystemPrompt   SystemPrompt    `yaml:"system_prompt" json:"system_prompt"`
	PermissionMode PermissionMode  `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty"`
	MaxTurns       int             `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	SubAgents  map[string]SubAgent  `yaml:"sub_agents,omitempty" json:"sub_agents,omitempty"`
	McpServers map[string]McpServer `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`

	Resources ResourceCaps `yaml:"resources,omitempty" json:"resources,omitempty"`

	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
}

// ValidationError is a single field-scoped validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ApplyDefaults fills in zero-valued fields with their documented defaults.
// It never fails: defaulting is total.
func (c *AgentConfig) ApplyDefaults() {
	if c.PermissionMode == "" {
		c.PermissionMode = PermissionDefault
	}
	if c.SystemPrompt.Kind == "" {
		c.SystemPrompt.Kind = SystemPromptString
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 100
	}
	if c.Resources.CPUQuotaMicros == 0 && c.Resources.MemoryLimit == "" && c.Resources.StorageLimit == "" {
		c.Resources = defaultResourceCaps()
	}
}

// Validate checks an AgentConfig against every invariant in §3. It never
// panics or returns a generic error; every failure is a ValidationError so
// callers can render per-field messages. Validate is a total function: it
// always returns either (nil) or a non-empty slice.
func Validate(c *AgentConfig) []ValidationError {
	var errs []ValidationError

	if !idPattern.MatchString(c.ID) {
		errs = append(errs, ValidationError{"id", "must match [a-z0-9_-]+"})
	}
	if c.Name == "" {
		errs = append(errs, ValidationError{"name", "is required"})
	}

	for i, tool := range c.AllowedTools {
		if !KnownTools[tool] {
			errs = append(errs, ValidationError{fmt.Sprintf("allowed_tools[%d]", i), fmt.Sprintf("unknown tool %q", tool)})
		}
	}

	switch c.SystemPrompt.Kind {
	case SystemPromptString:
		// A free-form string, including empty, is valid.
	case SystemPromptPreset:
		if c.SystemPrompt.Preset == "" {
			errs = append(errs, ValidationError{"system_prompt.preset", "is required when kind is preset"})
		}
	default:
		errs = append(errs, ValidationError{"system_prompt", "must be a string or a tagged preset"})
	}

	switch c.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypassPermissions, "":
	default:
		errs = append(errs, ValidationError{"permission_mode", fmt.Sprintf("unknown mode %q", c.PermissionMode)})
	}

	if c.MaxTurns <= 0 {
		errs = append(errs, ValidationError{"max_turns", "must be positive"})
	}

	for key, sub := range c.SubAgents {
		for i, tool := range sub.Tools {
			if !KnownTools[tool] {
				errs = append(errs, ValidationError{fmt.Sprintf("sub_agents[%s].tools[%d]", key, i), fmt.Sprintf("unknown tool %q", tool)})
			}
		}
		switch sub.Model {
		case ModelSonnet, ModelOpus, ModelHaiku, ModelInherit, "":
		default:
			errs = append(errs, ValidationError{fmt.Sprintf("sub_agents[%s].model", key), fmt.Sprintf("unknown model %q", sub.Model)})
		}
	}

	for key, srv := range c.McpServers {
		srv := srv
		if err := srv.Validate(key); err != nil {
			errs = append(errs, ValidationError{fmt.Sprintf("mcp_servers[%s]", key), err.Error()})
		}
	}

	return errs
}

// Summary is the abbreviated listing shape returned by ConfigRegistry.List.
type Summary struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	AllowedTools   []string       `json:"allowed_tools"`
	HasMcpServers  bool           `json:"has_mcp_servers"`
	HasSubAgents   bool           `json:"has_sub_agents"`
	PermissionMode PermissionMode `json:"permission_mode"`
}

func (c *AgentConfig) summary() Summary {
	return Summary{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		AllowedTools:   c.AllowedTools,
		HasMcpServers:  len(c.McpServers) > 0,
		HasSubAgents:   len(c.SubAgents) > 0,
		PermissionMode: c.PermissionMode,
	}
}

// ResolveMcpEnv substitutes ${VAR} placeholders in an McpServer's env map
// using the supplied per-session values. A placeholder with no supplied
// value is an error (resolved at launch time, not at load time, per §8).
func ResolveMcpEnv(servers map[string]McpServer, supplied map[string]string) (map[string]map[string]string, error) {
	resolved := make(map[string]map[string]string, len(servers))
	for key, srv := range servers {
		if len(srv.Env) == 0 {
			continue
		}
		out := make(map[string]string, len(srv.Env))
		for envKey, raw := range srv.Env {
			val, err := expandPlaceholders(raw, supplied)
			if err != nil {
				return nil, fmt.Errorf("mcp_servers[%s].env[%s]: %w", key, envKey, err)
			}
			out[envKey] = val
		}
		resolved[key] = out
	}
	return resolved, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandPlaceholders(raw string, supplied map[string]string) (string, error) {
	var missing string
	result := placeholderPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := supplied[name]; ok {
			return val
		}
		missing = name
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("unresolved placeholder ${%s}", missing)
	}
	return result, nil
}

// UnmarshalJSON lets AgentConfig be decoded from the inline-launch HTTP path
// (JSON body) in addition to YAML preset files. AgentConfig has no
// MarshalJSON of its own; encoding uses the struct's json tags.
func (c *AgentConfig) UnmarshalJSON(data []byte) error {
	type alias AgentConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = AgentConfig(a)
	return nil
}
