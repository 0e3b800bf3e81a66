package numina

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryValidatesInput(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := reg.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`), ExecutionMeta{})
	if out.IsError || out.Content != "hello" {
		t.Errorf("valid input = %+v", out)
	}

	out = reg.Execute(context.Background(), "echo", json.RawMessage(`{"wrong":1}`), ExecutionMeta{})
	if !out.IsError {
		t.Error("schema violation not rejected")
	}

	out = reg.Execute(context.Background(), "echo", json.RawMessage(`not json`), ExecutionMeta{})
	if !out.IsError {
		t.Error("malformed json not rejected")
	}
}

func TestRegistryUnknownToolIsErrorOutput(t *testing.T) {
	reg := NewToolRegistry()
	out := reg.Execute(context.Background(), "nope", json.RawMessage(`{}`), ExecutionMeta{})
	if !out.IsError {
		t.Error("unknown tool should produce an error output, not a panic or nil")
	}
}

func TestRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoTool{}); err == nil {
		t.Error("duplicate registration accepted")
	}

	if err := reg.Register(schemalessTool{}); err == nil {
		t.Error("empty schema accepted")
	}
}

type schemalessTool struct{}

func (schemalessTool) Name() string                 { return "schemaless" }
func (schemalessTool) Description() string          { return "no schema" }
func (schemalessTool) InputSchema() json.RawMessage { return nil }
func (schemalessTool) Execute(context.Context, json.RawMessage, ExecutionMeta) (ToolOutput, error) {
	return ToolOutput{}, nil
}

func TestLegacyHeartbeatFieldStripped(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	// echo's schema has no request_heartbeat property; the legacy field
	// must be stripped before validation rather than rejected.
	out := reg.Execute(context.Background(), "echo",
		json.RawMessage(`{"text":"hi","request_heartbeat":true}`), ExecutionMeta{})
	if out.IsError {
		t.Errorf("legacy heartbeat input rejected: %+v", out)
	}
	if out.Content != "hi" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestRegistryDescriptors(t *testing.T) {
	reg := NewToolRegistry()
	_ = reg.Register(echoTool{})
	_ = reg.Register(markerTool{name: "ping"})

	descs := reg.Descriptors()
	if len(descs) != 2 || descs[0].Name != "echo" || descs[1].Name != "ping" {
		t.Errorf("descriptors = %+v", descs)
	}
	if len(descs[0].InputSchema) == 0 {
		t.Error("descriptor lost its schema")
	}
}
