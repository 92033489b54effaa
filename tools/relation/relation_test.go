package relation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/store/sqlite"
)

func testMemory(t *testing.T) *reverie.Memory {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "mem.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return reverie.NewMemory(store, nil, reverie.NewClock(store))
}

func toolCtx(mem *reverie.Memory) *reverie.ToolContext {
	return &reverie.ToolContext{SessionID: "s1", CharacterID: "lina", Memory: mem}
}

var savedIDPattern = regexp.MustCompile(`Saved relation (\S+) `)

func setRelation(t *testing.T, mem *reverie.Memory, args string) string {
	t.Helper()
	res, err := New().Execute(context.Background(), json.RawMessage(args), toolCtx(mem))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("set result %+v", res)
	}
	m := savedIDPattern.FindStringSubmatch(res.Content)
	if m == nil {
		t.Fatalf("no relation id in %q", res.Content)
	}
	return m[1]
}

func TestSetAndGet(t *testing.T) {
	mem := testMemory(t)
	id := setRelation(t, mem,
		`{"action":"set","name":"Marco","knowledge":"runs the corner bakery","progress":"friendly"}`)

	res, err := New().Execute(context.Background(),
		json.RawMessage(`{"action":"get","relation_id":"`+id+`"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(res.Content, "Marco") ||
		!strings.Contains(res.Content, "corner bakery") ||
		!strings.Contains(res.Content, "friendly") {
		t.Errorf("content:\n%s", res.Content)
	}
}

func TestSet_UpdateKeepsUnsentFields(t *testing.T) {
	mem := testMemory(t)
	id := setRelation(t, mem,
		`{"action":"set","name":"Marco","knowledge":"runs the corner bakery","progress":"friendly"}`)

	setRelation(t, mem,
		`{"action":"set","relation_id":"`+id+`","progress":"close friends"}`)

	r, err := mem.GetRelation(context.Background(), "s1", id, "lina")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Name != "Marco" || r.Knowledge != "runs the corner bakery" || r.Progress != "close friends" {
		t.Errorf("relation %+v", r)
	}
}

func TestGet_MissingIDAndUnknown(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()

	res, err := New().Execute(ctx, json.RawMessage(`{"action":"get"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Error != "relation_id is required for get" {
		t.Errorf("result %+v", res)
	}

	res, err = New().Execute(ctx, json.RawMessage(`{"action":"get","relation_id":"ghost"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("result %+v", res)
	}
}

func TestDelete(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	id := setRelation(t, mem, `{"action":"set","name":"Marco"}`)

	res, err := New().Execute(ctx,
		json.RawMessage(`{"action":"delete","relation_id":"`+id+`"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("result %+v", res)
	}

	res, err = New().Execute(ctx,
		json.RawMessage(`{"action":"delete","relation_id":"`+id+`"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("second delete result %+v", res)
	}
}

func TestList(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()

	res, err := New().Execute(ctx, json.RawMessage(`{"action":"list"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Content != "No relations found." {
		t.Errorf("empty list result %+v", res)
	}

	setRelation(t, mem, `{"action":"set","name":"Marco"}`)
	setRelation(t, mem, `{"action":"set","name":"Sofia"}`)

	res, err = New().Execute(ctx, json.RawMessage(`{"action":"list"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(res.Content, "Marco") || !strings.Contains(res.Content, "Sofia") {
		t.Errorf("content:\n%s", res.Content)
	}
}

func TestSearch_FallsBackToStore(t *testing.T) {
	mem := testMemory(t) // nil indexer, so search hits the SQL LIKE path
	ctx := context.Background()
	setRelation(t, mem, `{"action":"set","name":"Marco","knowledge":"painter from Lyon"}`)
	setRelation(t, mem, `{"action":"set","name":"Sofia","knowledge":"violinist"}`)

	res, err := New().Execute(ctx,
		json.RawMessage(`{"action":"search","query":"Lyon"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(res.Content, "Marco") || strings.Contains(res.Content, "Sofia") {
		t.Errorf("content:\n%s", res.Content)
	}
}

func TestSearch_RequiresQuery(t *testing.T) {
	mem := testMemory(t)
	res, err := New().Execute(context.Background(),
		json.RawMessage(`{"action":"search"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Error != "query is required for search" {
		t.Errorf("result %+v", res)
	}
}

func TestUnknownAction(t *testing.T) {
	mem := testMemory(t)
	res, err := New().Execute(context.Background(),
		json.RawMessage(`{"action":"merge"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, `unknown action "merge"`) {
		t.Errorf("result %+v", res)
	}
}
