package agentconfig

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func validBaseConfig() *AgentConfig {
	cfg := &AgentConfig{
		ID:           "code-assistant",
		Name:         "Code Assistant",
		Description:  "Helps with code",
		AllowedTools: []string{"read_file", "write_file"},
		SystemPrompt: SystemPrompt{Kind: SystemPromptString, Text: "You are helpful"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validBaseConfig()
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidate_EmptyAllowedToolsIsValid(t *testing.T) {
	cfg := validBaseConfig()
	cfg.AllowedTools = nil
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected empty allowed_tools to be valid, got %v", errs)
	}
}

func TestValidate_RejectsUnknownTool(t *testing.T) {
	cfg := validBaseConfig()
	cfg.AllowedTools = []string{"teleport"}
	errs := Validate(cfg)
	if len(errs) == 0 {
		t.Fatal("expected an error for unknown tool")
	}
}

func TestValidate_RejectsBadID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"lowercase ok", "my-agent_1", true},
		{"uppercase rejected", "MyAgent", false},
		{"spaces rejected", "my agent", false},
		{"empty rejected", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBaseConfig()
			cfg.ID = tt.id
			errs := Validate(cfg)
			if tt.ok && len(errs) != 0 {
				t.Fatalf("expected %q to be valid, got %v", tt.id, errs)
			}
			if !tt.ok && len(errs) == 0 {
				t.Fatalf("expected %q to be invalid", tt.id)
			}
		})
	}
}

func TestValidate_IsTotal(t *testing.T) {
	// Validate must never panic, even on a zero-valued config.
	cfg := &AgentConfig{}
	errs := Validate(cfg)
	if len(errs) == 0 {
		t.Fatal("expected zero-valued config to be invalid")
	}
}

func TestValidate_SubAgentToolsSubset(t *testing.T) {
	cfg := validBaseConfig()
	cfg.SubAgents = map[string]SubAgent{
		"reviewer": {Description: "reviews code", Prompt: "review", Tools: []string{"read_file"}, Model: ModelSonnet},
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected valid sub-agent, got %v", errs)
	}

	cfg.SubAgents["reviewer"] = SubAgent{Description: "x", Prompt: "y", Tools: []string{"nonexistent"}}
	if errs := Validate(cfg); len(errs) == 0 {
		t.Fatal("expected error for sub-agent tool outside vocabulary")
	}
}

func TestValidate_McpServerVariants(t *testing.T) {
	cfg := validBaseConfig()
	cfg.McpServers = map[string]McpServer{
		"files": {Kind: McpStdio, Command: "mcp-fs"},
		"search": {Kind: McpSse, URL: "https://example.com/mcp"},
		"remote": {Kind: McpHttp, URL: "https://example.com/rpc"},
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected valid mcp servers, got %v", errs)
	}
}

func TestValidate_McpStdioRejectsShellMetachars(t *testing.T) {
	cfg := validBaseConfig()
	cfg.McpServers = map[string]McpServer{
		"files": {Kind: McpStdio, Command: "mcp-fs", Args: []string{"; rm -rf /"}},
	}
	if errs := Validate(cfg); len(errs) == 0 {
		t.Fatal("expected error for shell metacharacters in mcp args")
	}
}

func TestSystemPrompt_YAMLRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		kind SystemPromptKind
	}{
		{"bare string", `"be helpful"`, SystemPromptString},
		{"tagged preset", "kind: preset\npreset: claude_code\nappend: be terse", SystemPromptPreset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sp SystemPrompt
			if err := yaml.Unmarshal([]byte(tt.yaml), &sp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if sp.Kind != tt.kind {
				t.Fatalf("expected kind %v, got %v", tt.kind, sp.Kind)
			}
		})
	}
}

func TestSystemPrompt_JSONRoundTrip(t *testing.T) {
	sp := SystemPrompt{Kind: SystemPromptPreset, Preset: "claude_code", Append: "be terse"}
	data, err := json.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded SystemPrompt
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != SystemPromptPreset || decoded.Preset != "claude_code" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestResolveMcpEnv(t *testing.T) {
	servers := map[string]McpServer{
		"files": {Kind: McpStdio, Command: "mcp-fs", Env: map[string]string{"TOKEN": "${API_TOKEN}"}},
	}

	if _, err := ResolveMcpEnv(servers, map[string]string{}); err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}

	resolved, err := ResolveMcpEnv(servers, map[string]string{"API_TOKEN": "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved["files"]["TOKEN"] != "secret" {
		t.Fatalf("expected resolved token, got %q", resolved["files"]["TOKEN"])
	}
}
