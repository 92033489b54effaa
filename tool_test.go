package reverie

import (
	"context"
	"encoding/json"
	"testing"
)

// namedTool is a minimal Tool with a fixed name.
type namedTool struct{ name string }

func (t namedTool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.name, Description: t.name}
}

func (t namedTool) Execute(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
	return ToolResult{Content: "ran " + t.name}, nil
}

func TestToolCollection_PreservesOrder(t *testing.T) {
	c := NewToolCollection(namedTool{"a"}, namedTool{"b"}, namedTool{"c"})
	names := c.Names()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Errorf("got %v", names)
	}
}

func TestToolCollection_DuplicateReplacesKeepsPosition(t *testing.T) {
	c := NewToolCollection(namedTool{"a"}, namedTool{"b"})
	c.Add(namedTool{"a"})
	names := c.Names()
	if len(names) != 2 || names[0] != "a" {
		t.Errorf("got %v", names)
	}
}

func TestToolCollection_SubsetSkipsUnknown(t *testing.T) {
	c := NewToolCollection(namedTool{"a"}, namedTool{"b"})
	sub := c.Subset("b", "ghost")
	if sub.Len() != 1 {
		t.Errorf("got %d tools, want 1", sub.Len())
	}
	if _, ok := sub.Get("a"); ok {
		t.Error("subset leaked an unrequested tool")
	}
}

func TestToolCollection_ExecuteUnknownRejected(t *testing.T) {
	c := NewToolCollection()
	_, err := c.Execute(context.Background(), "ghost", nil, &ToolContext{})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestToolResult_TextPrefersError(t *testing.T) {
	r := ToolResult{Content: "ok", Error: "bad args"}
	if r.Text() != "error: bad args" {
		t.Errorf("got %q", r.Text())
	}
	r = ToolResult{Content: "ok"}
	if r.Text() != "ok" {
		t.Errorf("got %q", r.Text())
	}
}

func TestTerminateTool_DefaultsToSuccess(t *testing.T) {
	res, err := TerminateTool{}.Execute(context.Background(), json.RawMessage(`not json`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "interaction ended with status: success" {
		t.Errorf("got %q", res.Content)
	}
}
