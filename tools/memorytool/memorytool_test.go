package memorytool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scarnecchia/numina"
)

func testHandle(t *testing.T) *numina.Handle {
	t.Helper()
	r := numina.NewAgentRuntime(numina.AgentRecord{Name: "m"}, nil)
	if err := r.Handle().Memory().Create("human", "likes go"); err != nil {
		t.Fatal(err)
	}
	return r.Handle()
}

func run(t *testing.T, tool *Tool, input string) numina.ToolOutput {
	t.Helper()
	out, err := tool.Execute(context.Background(), json.RawMessage(input), numina.ExecutionMeta{})
	if err != nil {
		t.Fatalf("Execute(%s): %v", input, err)
	}
	return out
}

func TestAppendAndRead(t *testing.T) {
	h := testHandle(t)
	tool := New(h)

	out := run(t, tool, `{"operation":"append","name":"human","content":"drinks tea"}`)
	if out.IsError {
		t.Fatalf("append: %+v", out)
	}

	out = run(t, tool, `{"operation":"read","name":"human"}`)
	if out.IsError || !strings.Contains(out.Content, "likes go") || !strings.Contains(out.Content, "drinks tea") {
		t.Errorf("read = %+v", out)
	}
}

func TestReplace(t *testing.T) {
	h := testHandle(t)
	tool := New(h)

	out := run(t, tool, `{"operation":"replace","name":"human","old_text":"likes go","new_text":"loves go"}`)
	if out.IsError {
		t.Fatalf("replace: %+v", out)
	}
	block, _ := h.Memory().Get("human")
	if block.Value != "loves go" {
		t.Errorf("value = %q", block.Value)
	}
}

func TestMissingBlockListsAvailable(t *testing.T) {
	tool := New(testHandle(t))
	out := run(t, tool, `{"operation":"read","name":"ghost"}`)
	if !out.IsError || !strings.Contains(out.Content, "human") {
		t.Errorf("out = %+v, want available labels in the error", out)
	}
}

func TestMissingFieldsAreErrors(t *testing.T) {
	tool := New(testHandle(t))
	for _, input := range []string{
		`{"operation":"append","name":"human"}`,
		`{"operation":"append","content":"x"}`,
		`{"operation":"replace","name":"human"}`,
		`{"operation":"archival_search"}`,
	} {
		out := run(t, tool, input)
		if !out.IsError {
			t.Errorf("input %s accepted", input)
		}
	}
}

func TestArchivalSearchWithoutStore(t *testing.T) {
	tool := New(testHandle(t))
	out := run(t, tool, `{"operation":"archival_search","query":"anything"}`)
	if out.IsError {
		t.Fatalf("out = %+v", out)
	}
	if out.Content != "no archival matches" {
		t.Errorf("content = %q", out.Content)
	}
}
