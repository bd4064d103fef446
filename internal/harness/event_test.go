package harness

import (
	"encoding/json"
	"testing"
)

func TestDecodeEvent_Content(t *testing.T) {
	raw := []byte(`{"kind":"content","text":"hello","timestamp":"2026-01-01T00:00:00Z"}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Kind != KindContent || ev.Text != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeEvent_ToolStartKeepsNameAndUseIDDistinct(t *testing.T) {
	raw := []byte(`{"kind":"tool_start","tool_name":"grep","tool_use_id":"call_1","tool_input":{"pattern":"foo"}}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.ToolName != "grep" {
		t.Fatalf("expected tool_name to be grep, got %q", ev.ToolName)
	}
	if ev.ToolUseID != "call_1" {
		t.Fatalf("expected tool_use_id to be call_1, got %q", ev.ToolUseID)
	}
}

func TestDecodeEvent_UnknownKindPreservesRaw(t *testing.T) {
	raw := []byte(`{"kind":"future_kind","whatever":1}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Kind != Kind("future_kind") {
		t.Fatalf("expected kind to round-trip even when unrecognized, got %q", ev.Kind)
	}
	var roundtrip map[string]any
	if err := json.Unmarshal(ev.Raw, &roundtrip); err != nil {
		t.Fatalf("Raw should still be valid JSON: %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		ev   Event
		want bool
	}{
		{Event{Kind: KindMetadata}, true},
		{Event{Kind: KindSystem, Phase: SystemShutdown}, true},
		{Event{Kind: KindSystem, Phase: SystemReady}, false},
		{Event{Kind: KindContent}, false},
	}
	for _, c := range cases {
		if got := c.ev.IsTerminal(); got != c.want {
			t.Errorf("IsTerminal(%+v) = %v, want %v", c.ev, got, c.want)
		}
	}
}

func TestEncodeUserMessage(t *testing.T) {
	data, err := EncodeUserMessage("hi there")
	if err != nil {
		t.Fatalf("EncodeUserMessage: %v", err)
	}
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Kind != ClientUserMessage || frame.Content != "hi there" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
